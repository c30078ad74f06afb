package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/salonflow/agent-gateway/internal/model"
)

// ValidateLinkName validates an agent link's display name.
func ValidateLinkName(name string) error {
	if len(name) == 0 {
		return errors.New("name cannot be empty")
	}
	if len(name) > 128 {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}

// ValidateLinkType validates a link type value.
func ValidateLinkType(linkType model.LinkType) error {
	switch linkType {
	case model.LinkTypeSingleUse, model.LinkTypeMultiUse,
		model.LinkTypeTimeLimited, model.LinkTypeMinuteLimited:
		return nil
	default:
		return errors.New("unknown link type")
	}
}

// ValidateCreateLink validates a link creation request end to end.
func ValidateCreateLink(req *model.CreateLinkRequest) error {
	if err := ValidateLinkName(req.Name); err != nil {
		return err
	}
	if err := ValidateLinkType(req.Type); err != nil {
		return err
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		return errors.New("max_uses must be at least 1")
	}
	if req.MaxMinutes != nil && *req.MaxMinutes < 1 {
		return errors.New("max_minutes must be at least 1")
	}
	if req.Type == model.LinkTypeTimeLimited && req.ExpiresAt == nil {
		return errors.New("time_limited links require expires_at")
	}
	if req.Type == model.LinkTypeMinuteLimited && req.MaxMinutes == nil {
		return errors.New("minute_limited links require max_minutes")
	}
	return nil
}

// ValidateLinkID validates a link ID.
func ValidateLinkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid link ID format")
	}
	return nil
}

// ValidateBusinessID validates a business ID.
func ValidateBusinessID(id string) error {
	if len(id) == 0 {
		return errors.New("business ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("business ID exceeds maximum length")
	}
	return nil
}
