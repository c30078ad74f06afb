package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

// TestChannelConnectAndStream connects a Channel to a Listener through
// the in-process signaler and verifies that bytes round-trip over a
// bidirectional stream and that datagrams arrive.
func TestChannelConnectAndStream(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	listener := NewListener(identity, testLogger())
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Echo every inbound stream.
	go func() {
		for {
			stream, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				defer stream.Close()
				buf := make([]byte, 4096)
				for {
					n, err := stream.Read(buf)
					if err != nil {
						return
					}
					if _, err := stream.Write(buf[:n]); err != nil {
						return
					}
				}
			}()
		}
	}()

	var disconnects atomic.Int32
	channel := NewChannel(NewMemorySignaler(listener), Callbacks{
		OnDisconnect: func() { disconnects.Add(1) },
	}, testLogger())

	if _, err := channel.OpenStream(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("OpenStream before connect = %v, want ErrNotConnected", err)
	}
	if err := channel.SendDatagram([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendDatagram before connect = %v, want ErrNotConnected", err)
	}

	if err := channel.Connect(ctx, "memory", identity.Fingerprint()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if state := channel.State(); state != StateConnected {
		t.Fatalf("State after connect = %v, want connected", state)
	}

	stream, err := channel.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	payload := []byte(`{"hello":"gateway"}`)
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(stream, echo); err != nil {
		t.Fatalf("Read echo: %v", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Errorf("echo = %q, want %q", echo, payload)
	}

	if err := channel.SendDatagram([]byte("keepalive")); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	select {
	case dg := <-listener.Datagrams():
		if string(dg.Payload) != "keepalive" {
			t.Errorf("datagram payload = %q, want %q", dg.Payload, "keepalive")
		}
		if dg.ConnID == "" {
			t.Error("datagram missing connection id")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("datagram never arrived")
	}

	if err := channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := channel.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := disconnects.Load(); got != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", got)
	}
}

// TestConnectRejectsWrongFingerprint verifies the identity pin: a
// mismatched fingerprint hard-fails the attempt, leaves the channel
// disconnected and retryable, and reports the error exactly once.
func TestConnectRejectsWrongFingerprint(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	listener := NewListener(identity, testLogger())
	defer listener.Close()

	var errorCount atomic.Int32
	channel := NewChannel(NewMemorySignaler(listener), Callbacks{
		OnError: func(error) { errorCount.Add(1) },
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wrong := identity.Fingerprint()
	wrong[0] ^= 0xff

	err = channel.Connect(ctx, "memory", wrong)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("Connect with wrong fingerprint = %v, want ErrIdentityMismatch", err)
	}
	if state := channel.State(); state != StateDisconnected {
		t.Errorf("State after failed connect = %v, want disconnected", state)
	}
	if got := errorCount.Load(); got != 1 {
		t.Errorf("OnError fired %d times, want 1", got)
	}

	// The same channel can retry with the correct pin.
	if err := channel.Connect(ctx, "memory", identity.Fingerprint()); err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	channel.Close()
}

func TestParseFingerprintHex(t *testing.T) {
	identity, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	parsed, err := ParseFingerprintHex(identity.FingerprintHex())
	if err != nil {
		t.Fatalf("ParseFingerprintHex: %v", err)
	}
	if parsed != identity.Fingerprint() {
		t.Error("hex round-trip changed the fingerprint")
	}

	if _, err := ParseFingerprintHex("abcd"); err == nil {
		t.Error("short fingerprint accepted")
	}
	if _, err := ParseFingerprintHex("zz"); err == nil {
		t.Error("non-hex fingerprint accepted")
	}
}

// pipeOpener hands out the client half of a net.Pipe and records how
// often a stream was opened.
type pipeOpener struct {
	server    net.Conn
	client    net.Conn
	openCalls atomic.Int32
}

func newPipeOpener() *pipeOpener {
	server, client := net.Pipe()
	return &pipeOpener{server: server, client: client}
}

func (p *pipeOpener) OpenStream(context.Context) (io.ReadWriteCloser, error) {
	p.openCalls.Add(1)
	return p.client, nil
}

func TestRoundTrip(t *testing.T) {
	opener := newPipeOpener()

	// Fake server: read the envelope, answer one response.
	go func() {
		var env protocol.Envelope
		if err := json.NewDecoder(opener.server).Decode(&env); err != nil {
			return
		}
		if env.Op != protocol.OpListThreads {
			return
		}
		json.NewEncoder(opener.server).Encode(protocol.ListThreadsResponse{Success: true})
	}()

	var resp protocol.ListThreadsResponse
	err := RoundTrip(context.Background(), opener, protocol.OpListThreads,
		protocol.ListThreadsRequest{UserID: "u1"}, &resp)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if !resp.Success {
		t.Error("response not unmarshalled")
	}
}

func TestRoundTripEmptyResponse(t *testing.T) {
	opener := newPipeOpener()

	// Fake server: consume the request, then close without answering.
	go func() {
		var env protocol.Envelope
		json.NewDecoder(opener.server).Decode(&env)
		opener.server.Close()
	}()

	var resp protocol.ListThreadsResponse
	err := RoundTrip(context.Background(), opener, protocol.OpListThreads,
		protocol.ListThreadsRequest{UserID: "u1"}, &resp)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("RoundTrip = %v, want ErrEmptyResponse", err)
	}
}
