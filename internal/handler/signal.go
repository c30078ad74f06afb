package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/transport"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

// SignalHandler terminates the WebRTC signaling exchange.
type SignalHandler struct {
	listener *transport.Listener
	logger   *logger.Logger
}

// NewSignalHandler creates a new signaling handler.
func NewSignalHandler(listener *transport.Listener, log *logger.Logger) *SignalHandler {
	return &SignalHandler{
		listener: listener,
		logger:   log,
	}
}

// Signal handles POST /agent/signal: one offer in, one answer out.
func (h *SignalHandler) Signal(w http.ResponseWriter, r *http.Request) {
	var req transport.SignalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, transport.SignalResponse{Error: "invalid request body"})
		return
	}
	if req.SDP == "" {
		writeJSON(w, http.StatusBadRequest, transport.SignalResponse{Error: "sdp is required"})
		return
	}

	answer, err := h.listener.Answer(r.Context(), req.SDP)
	if err != nil {
		h.logger.Warn("signaling exchange failed", zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, transport.SignalResponse{Error: "could not negotiate connection"})
		return
	}

	writeJSON(w, http.StatusOK, transport.SignalResponse{SDP: answer})
}

// Identity handles GET /agent/identity. Clients pin this fingerprint
// before connecting; it is served over TLS so the pin inherits the web
// PKI trust of the management domain.
func (h *SignalHandler) Identity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"fingerprint": h.listener.Identity().FingerprintHex(),
		"algorithm":   "sha-256",
	})
}
