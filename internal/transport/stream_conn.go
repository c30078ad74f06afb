package transport

import (
	"io"
	"sync"
)

// StreamConn is one reliable, ordered bidirectional byte stream on a peer
// connection: a detached data channel. SCTP handles message fragmentation
// and reassembly, so reads and writes behave like a TCP connection from
// the perspective of the JSON codec layered on top.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	label  string
	connID string

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(rwc io.ReadWriteCloser, label, connID string) *StreamConn {
	return &StreamConn{rwc: rwc, label: label, connID: connID}
}

func (s *StreamConn) Read(p []byte) (int, error)  { return s.rwc.Read(p) }
func (s *StreamConn) Write(p []byte) (int, error) { return s.rwc.Write(p) }

// Close releases the stream. Idempotent; any pending Read or Write on the
// stream is unblocked with an error.
func (s *StreamConn) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

// Label identifies the underlying data channel.
func (s *StreamConn) Label() string { return s.label }

// ConnID identifies the peer connection this stream belongs to.
func (s *StreamConn) ConnID() string { return s.connID }

// Datagram is one best-effort message received on a connection's
// unreliable path.
type Datagram struct {
	ConnID  string
	Payload []byte
}
