package gatekeeper

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// GenerateEmergencyToken mints a single-use token for purpose. Only its
// peppered hash is stored; the value is returned once.
func (s *Service) GenerateEmergencyToken(ctx context.Context, purpose string) (string, error) {
	if purpose == "" {
		return "", contracts.NewError(contracts.CodeValidation, "token purpose is required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	now := s.clock().UTC()
	rec := contracts.EmergencyToken{
		TokenHash: s.hashToken(token),
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.SaveToken(ctx, rec); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	s.logger.InfoContext(ctx, "emergency token issued", "purpose", purpose, "expires_at", rec.ExpiresAt)
	return token, nil
}

// ValidateEmergencyToken consumes token for purpose. It succeeds at most once
// per token.
func (s *Service) ValidateEmergencyToken(ctx context.Context, token, purpose string) (bool, error) {
	return s.consume(ctx, token, purpose, s.clock().UTC())
}

func (s *Service) consume(ctx context.Context, token, purpose string, now time.Time) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := s.store.ConsumeToken(ctx, s.hashToken(token), purpose, now)
	if err != nil {
		return false, fmt.Errorf("consume token: %w", err)
	}
	if !ok {
		s.logger.WarnContext(ctx, "emergency token rejected", "purpose", purpose)
	}
	return ok, nil
}

func (s *Service) hashToken(token string) string {
	m := hmac.New(sha256.New, s.pepper)
	m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}
