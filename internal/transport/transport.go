// Package transport carries session control messages and stream frames
// between clients and the agent runtime over WebRTC data channels.
//
// One peer connection per client session multiplexes everything the
// protocol needs: reliable ordered data channels serve as bidirectional
// byte streams, and a dedicated unordered, zero-retransmit channel serves
// as the best-effort datagram path. Server identity is pinned: the client
// supplies the expected 32-byte SHA-256 fingerprint of the server's DTLS
// certificate at connect time and hard-fails on mismatch, without any CA
// chain involvement.
//
// Signaling is a single offer/answer round trip behind the Signaler
// interface: HTTP against the gateway in production, an in-process
// exchange in tests.
package transport

import (
	"context"
	"errors"
	"io"
)

// Connection states observable through Callbacks.OnStateChange.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected is returned by stream and datagram operations when
	// the channel is not in the connected state.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrIdentityMismatch is returned by Connect when the server's DTLS
	// certificate fingerprint does not match the pinned value.
	ErrIdentityMismatch = errors.New("transport: server identity mismatch")

	// ErrClosed is returned by operations on a closed channel or listener.
	ErrClosed = errors.New("transport: closed")

	// ErrEmptyResponse is returned by RoundTrip when the stream closes
	// without yielding any response value.
	ErrEmptyResponse = errors.New("transport: stream closed with no response")
)

// Callbacks observes connection lifecycle events. All fields are optional.
// OnDisconnect fires exactly once per established connection, whether the
// close is local or server-initiated. Errors surfaced while waiting for
// the connection to wind down are reported once via OnError, never raised
// from Close.
type Callbacks struct {
	OnStateChange func(State)
	OnError       func(error)
	OnDisconnect  func()
}

// StreamOpener opens bidirectional byte streams on an established
// connection. Channel implements it; consumers and the history service
// depend on this interface so tests can substitute stubs.
type StreamOpener interface {
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// Signaler performs the one-round-trip SDP exchange with the agent
// runtime at the given address.
type Signaler interface {
	Exchange(ctx context.Context, address, offerSDP string) (answerSDP string, err error)
}
