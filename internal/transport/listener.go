package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/pkg/logger"
)

// Listener is the server side of the transport: it answers SDP offers,
// accepts inbound streams from all connected clients, and delivers their
// datagrams. One listener serves many independent client connections.
type Listener struct {
	identity *Identity
	logger   *logger.Logger

	mu    sync.Mutex
	conns map[string]*webrtc.PeerConnection

	streams   chan *StreamConn
	datagrams chan Datagram

	closed    chan struct{}
	closeOnce sync.Once
}

// NewListener creates a listener presenting the given identity.
func NewListener(identity *Identity, log *logger.Logger) *Listener {
	return &Listener{
		identity:  identity,
		logger:    log,
		conns:     make(map[string]*webrtc.PeerConnection),
		streams:   make(chan *StreamConn, 64),
		datagrams: make(chan Datagram, 256),
		closed:    make(chan struct{}),
	}
}

// Identity returns the listener's pinned server identity.
func (l *Listener) Identity() *Identity {
	return l.identity
}

// Answer accepts one client's SDP offer and returns the complete answer.
// It is the server half of the single signaling round trip; the HTTP
// signaling handler and the in-process test signaler both call it.
func (l *Listener) Answer(ctx context.Context, offerSDP string) (string, error) {
	select {
	case <-l.closed:
		return "", ErrClosed
	default:
	}

	pc, err := newPeerConnection(l.identity)
	if err != nil {
		return "", fmt.Errorf("creating peer connection: %w", err)
	}

	connID := uuid.Must(uuid.NewV7()).String()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		l.handleDataChannel(connID, dc)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			l.dropConn(connID)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	case <-l.closed:
		pc.Close()
		return "", ErrClosed
	}

	l.mu.Lock()
	l.conns[connID] = pc
	l.mu.Unlock()

	l.logger.Info("client connection answered", zap.String("conn_id", connID))
	return pc.LocalDescription().SDP, nil
}

func (l *Listener) handleDataChannel(connID string, dc *webrtc.DataChannel) {
	if dc.Label() == datagramChannelLabel {
		// With DetachDataChannels enabled, OnMessage never fires; the
		// channel must be detached and read directly.
		dc.OnOpen(func() {
			rwc, err := dc.Detach()
			if err != nil {
				l.logger.Error("detaching datagram channel failed",
					zap.String("conn_id", connID),
					zap.Error(err),
				)
				return
			}
			go func() {
				buf := make([]byte, 65536)
				for {
					n, err := rwc.Read(buf)
					if err != nil {
						return
					}
					payload := make([]byte, n)
					copy(payload, buf[:n])
					select {
					case l.datagrams <- Datagram{ConnID: connID, Payload: payload}:
					case <-l.closed:
						return
					default:
						// Datagrams are best-effort; drop when the consumer
						// is behind.
					}
				}
			}()
		})
		return
	}

	dc.OnOpen(func() {
		rwc, err := dc.Detach()
		if err != nil {
			l.logger.Error("detaching inbound data channel failed",
				zap.String("conn_id", connID),
				zap.String("label", dc.Label()),
				zap.Error(err),
			)
			return
		}

		stream := newStreamConn(rwc, dc.Label(), connID)
		select {
		case l.streams <- stream:
		case <-l.closed:
			stream.Close()
		}
	})
}

// Accept returns the next inbound stream from any client connection.
func (l *Listener) Accept(ctx context.Context) (*StreamConn, error) {
	select {
	case stream := <-l.streams:
		return stream, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Datagrams exposes the best-effort message feed from all connections.
func (l *Listener) Datagrams() <-chan Datagram {
	return l.datagrams
}

func (l *Listener) dropConn(connID string) {
	l.mu.Lock()
	pc, ok := l.conns[connID]
	if ok {
		delete(l.conns, connID)
	}
	l.mu.Unlock()

	if ok {
		pc.Close()
		l.logger.Info("client connection dropped", zap.String("conn_id", connID))
	}
}

// Close shuts down all client connections. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	for connID, pc := range l.conns {
		pc.Close()
		delete(l.conns, connID)
	}
	return nil
}
