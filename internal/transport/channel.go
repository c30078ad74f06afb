package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/pkg/logger"
)

// connectTimeout bounds the whole connection attempt: offer, signaling
// round trip, and ICE establishment.
const connectTimeout = 30 * time.Second

// streamOpenTimeout bounds how long OpenStream waits for a new data
// channel to reach the open state.
const streamOpenTimeout = 10 * time.Second

// datagramChannelLabel is the label of the unreliable channel every
// connection carries. Both sides recognize it and route it away from the
// stream path.
const datagramChannelLabel = "datagram"

// Channel is the client side of a connection to the agent runtime.
// State transitions (disconnected → connecting → connected → disconnected)
// are observable via Callbacks. There is no automatic reconnection: after
// a failed or dropped connection the caller decides whether to Connect
// again.
type Channel struct {
	signaler  Signaler
	callbacks Callbacks
	logger    *logger.Logger

	mu             sync.Mutex
	state          State
	pc             *webrtc.PeerConnection
	datagram       *webrtc.DataChannel
	disconnectOnce *sync.Once
	closed         bool

	streamCounter atomic.Uint64
}

// NewChannel creates a channel that signals through the given signaler.
func NewChannel(signaler Signaler, callbacks Callbacks, log *logger.Logger) *Channel {
	return &Channel{
		signaler:  signaler,
		callbacks: callbacks,
		logger:    log,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the connection and verifies the server's identity
// against the pinned fingerprint. It returns only after the handshake
// completes. Failures leave the channel disconnected and retryable; the
// error is also surfaced once through Callbacks.OnError.
func (c *Channel) Connect(ctx context.Context, address string, serverFingerprint [32]byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("transport: connect while %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pc, datagram, err := c.establish(ctx, address, serverFingerprint)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		c.notifyError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return ErrClosed
	}
	c.pc = pc
	c.datagram = datagram
	c.disconnectOnce = &sync.Once{}
	c.state = StateConnected
	c.mu.Unlock()
	c.notifyState(StateConnected)

	return nil
}

func (c *Channel) establish(ctx context.Context, address string, serverFingerprint [32]byte) (*webrtc.PeerConnection, *webrtc.DataChannel, error) {
	pc, err := newPeerConnection(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating peer connection: %w", err)
	}

	// The datagram channel doubles as the trigger that forces pion to
	// include a data channel section in the SDP offer.
	unordered := false
	var maxRetransmits uint16
	datagram, err := pc.CreateDataChannel(datagramChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("creating datagram channel: %w", err)
	}

	established := make(chan struct{})
	var establishedOnce sync.Once
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debug("ICE state change", zap.String("state", state.String()))
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			establishedOnce.Do(func() { close(established) })
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			c.handleConnectionLost(pc)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return nil, nil, ctx.Err()
	}

	answerSDP, err := c.signaler.Exchange(ctx, address, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("signaling with %s: %w", address, err)
	}

	// Pin check before the remote description is applied: a fingerprint
	// mismatch must hard-fail the attempt.
	answerFingerprint, err := fingerprintFromSDP(answerSDP)
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}
	if answerFingerprint != serverFingerprint {
		pc.Close()
		return nil, nil, ErrIdentityMismatch
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-established:
	case <-ctx.Done():
		pc.Close()
		return nil, nil, fmt.Errorf("waiting for connection: %w", ctx.Err())
	}

	return pc, datagram, nil
}

// OpenStream creates a new reliable, ordered bidirectional stream.
func (c *Channel) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.pc == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	pc := c.pc
	c.mu.Unlock()

	label := fmt.Sprintf("stream-%d", c.streamCounter.Add(1))
	ordered := true
	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-time.After(streamOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, streamOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	}

	rwc, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	return newStreamConn(rwc, label, "server"), nil
}

// SendDatagram sends a best-effort message: unordered, no delivery
// guarantee, no error on loss.
func (c *Channel) SendDatagram(payload []byte) error {
	c.mu.Lock()
	datagram := c.datagram
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || datagram == nil || datagram.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return datagram.Send(payload)
}

// Close tears down the connection and releases all open streams.
// Idempotent; OnDisconnect fires exactly once even if Close races with a
// server-initiated close.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.pc
	wasConnected := c.state == StateConnected
	once := c.disconnectOnce
	c.pc = nil
	c.datagram = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			// Close itself stays silent; teardown errors go through
			// the error observer.
			c.notifyError(err)
		}
	}
	if wasConnected {
		c.notifyState(StateDisconnected)
		c.fireDisconnect(once)
	}
	return nil
}

// handleConnectionLost reacts to the ICE layer reporting a dead
// connection for the currently installed peer connection.
func (c *Channel) handleConnectionLost(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return
	}
	once := c.disconnectOnce
	c.pc = nil
	c.datagram = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	pc.Close()
	c.notifyState(StateDisconnected)
	c.fireDisconnect(once)
}

func (c *Channel) fireDisconnect(once *sync.Once) {
	if once == nil || c.callbacks.OnDisconnect == nil {
		return
	}
	once.Do(c.callbacks.OnDisconnect)
}

func (c *Channel) notifyState(s State) {
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(s)
	}
}

func (c *Channel) notifyError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

// newPeerConnection builds a pion peer connection with data channel
// detach enabled and loopback candidates allowed, so same-machine and
// test setups work without external ICE servers.
func newPeerConnection(identity *Identity) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	config := webrtc.Configuration{}
	if identity != nil {
		config.Certificates = []webrtc.Certificate{identity.Certificate()}
	}
	return api.NewPeerConnection(config)
}
