// Package handler provides HTTP handlers for the management API.
package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/middleware"
	"github.com/salonflow/agent-gateway/internal/model"
	"github.com/salonflow/agent-gateway/internal/store"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

// LinkHandler handles agent link endpoints.
type LinkHandler struct {
	store  store.Store
	logger *logger.Logger
}

// NewLinkHandler creates a new link handler.
func NewLinkHandler(st store.Store, log *logger.Logger) *LinkHandler {
	return &LinkHandler{
		store:  st,
		logger: log,
	}
}

// Create handles POST /api/v1/links
func (h *LinkHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	businessID := middleware.GetBusinessID(ctx)
	if err := middleware.ValidateBusinessID(businessID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req model.CreateLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateCreateLink(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := newLinkToken()
	if err != nil {
		h.logger.Error("failed to generate link token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create link")
		return
	}

	now := time.Now()
	link := &model.AgentLink{
		ID:         uuid.NewString(),
		BusinessID: businessID,
		Name:       req.Name,
		Type:       req.Type,
		Status:     model.LinkStatusActive,
		Token:      token,
		MaxUses:    req.MaxUses,
		MaxMinutes: req.MaxMinutes,
		ExpiresAt:  req.ExpiresAt,
		Settings:   req.Settings,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if link.Type == model.LinkTypeSingleUse && link.MaxUses == nil {
		one := 1
		link.MaxUses = &one
	}

	if err := h.store.CreateLink(ctx, link); err != nil {
		h.logger.Error("failed to create link", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create link")
		return
	}

	writeJSON(w, http.StatusCreated, link)
}

// List handles GET /api/v1/links
func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	businessID := middleware.GetBusinessID(ctx)
	if err := middleware.ValidateBusinessID(businessID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	links, err := h.store.ListLinks(ctx, businessID)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list links")
		return
	}

	writeJSON(w, http.StatusOK, model.ListLinksResponse{
		Links: links,
		Total: len(links),
	})
}

// Get handles GET /api/v1/links/{linkID}
func (h *LinkHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID := chi.URLParam(r, "linkID")
	if err := middleware.ValidateLinkID(linkID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := h.store.GetLink(ctx, linkID)
	if err != nil {
		h.logger.Error("failed to get link", zap.String("link_id", linkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get link")
		return
	}
	if link == nil || link.BusinessID != middleware.GetBusinessID(ctx) {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}

	writeJSON(w, http.StatusOK, link)
}

// Disable handles POST /api/v1/links/{linkID}/disable. Links are never
// deleted, only disabled.
func (h *LinkHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	linkID := chi.URLParam(r, "linkID")
	if err := middleware.ValidateLinkID(linkID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := h.store.GetLink(ctx, linkID)
	if err != nil {
		h.logger.Error("failed to get link", zap.String("link_id", linkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to disable link")
		return
	}
	if link == nil || link.BusinessID != middleware.GetBusinessID(ctx) {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}

	if err := h.store.UpdateLinkStatus(ctx, linkID, model.LinkStatusDisabled); err != nil {
		h.logger.Error("failed to disable link", zap.String("link_id", linkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to disable link")
		return
	}

	link.Status = model.LinkStatusDisabled
	writeJSON(w, http.StatusOK, link)
}

func newLinkToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "alk_" + hex.EncodeToString(buf), nil
}
