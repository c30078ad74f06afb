package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/salonflow/agent-gateway/internal/protocol"
)

// RoundTrip performs one non-streaming request/response call: open a
// bidirectional stream, write the single request envelope, read exactly
// one response value, release the stream.
//
// A stream that closes without yielding any value fails with
// ErrEmptyResponse; other transport errors propagate as-is. RoundTrip
// does not retry; callers decide whether to.
func RoundTrip(ctx context.Context, opener StreamOpener, op protocol.Op, request, response any) error {
	env, err := protocol.NewEnvelope(op, request)
	if err != nil {
		return err
	}

	stream, err := opener.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Cancellation unblocks the pending read by closing the stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	if err := json.NewEncoder(stream).Encode(env); err != nil {
		return err
	}

	if err := json.NewDecoder(stream).Decode(response); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyResponse
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
