package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignalRequest and SignalResponse are the JSON bodies of the signaling
// exchange: the client posts its complete offer, the server replies with
// its complete answer. Vanilla ICE keeps this to one round trip.
type SignalRequest struct {
	SDP string `json:"sdp"`
}

// SignalResponse carries the server's SDP answer.
type SignalResponse struct {
	SDP   string `json:"sdp"`
	Error string `json:"error,omitempty"`
}

// HTTPSignaler exchanges SDP with the gateway's signaling endpoint. The
// address passed to Exchange is the endpoint URL.
type HTTPSignaler struct {
	client *http.Client
}

// NewHTTPSignaler creates a signaler with a bounded request timeout.
func NewHTTPSignaler() *HTTPSignaler {
	return &HTTPSignaler{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Exchange posts the offer and returns the answer.
func (s *HTTPSignaler) Exchange(ctx context.Context, address, offerSDP string) (string, error) {
	body, err := json.Marshal(SignalRequest{SDP: offerSDP})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var signal SignalResponse
	if err := json.Unmarshal(raw, &signal); err != nil {
		return "", fmt.Errorf("decoding signaling response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if signal.Error != "" {
			return "", fmt.Errorf("signaling failed: %s", signal.Error)
		}
		return "", fmt.Errorf("signaling failed with status %d", resp.StatusCode)
	}
	return signal.SDP, nil
}

// MemorySignaler routes the exchange directly to an in-process Listener,
// bypassing HTTP entirely. A Channel and a Listener sharing one
// MemorySignaler can connect without any network signaling.
type MemorySignaler struct {
	listener *Listener
}

// NewMemorySignaler creates a signaler bound to the given listener.
func NewMemorySignaler(listener *Listener) *MemorySignaler {
	return &MemorySignaler{listener: listener}
}

// Exchange hands the offer to the listener and returns its answer. The
// address is ignored.
func (s *MemorySignaler) Exchange(ctx context.Context, _, offerSDP string) (string, error) {
	return s.listener.Answer(ctx, offerSDP)
}
