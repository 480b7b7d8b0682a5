package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/servicehub/otpguard/internal/clock"
	"github.com/servicehub/otpguard/internal/config"
	"github.com/servicehub/otpguard/internal/models"
	"github.com/servicehub/otpguard/internal/repository"
	"github.com/sirupsen/logrus"
)

// OTPVerifier is the verification half of OTPService.
type OTPVerifier interface {
	Verify(ctx context.Context, purpose models.Purpose, subjectID, code string) error
}

type ResetToken struct {
	Token     string
	ExpiresAt time.Time
}

// ResetSessionService grants and redeems single-use password reset sessions.
type ResetSessionService struct {
	store    repository.CredentialStore
	hasher   Hasher
	verifier OTPVerifier
	clock    clock.Clock
	cfg      *config.OTPConfig
	logger   *logrus.Logger
}

func NewResetSessionService(
	store repository.CredentialStore,
	hasher Hasher,
	verifier OTPVerifier,
	c clock.Clock,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
) *ResetSessionService {
	return &ResetSessionService{
		store:    store,
		hasher:   hasher,
		verifier: verifier,
		clock:    c,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateSession stores a hashed high-entropy token for subjectID and returns the
// plaintext. Any earlier session for the subject is replaced.
func (s *ResetSessionService) CreateSession(ctx context.Context, subjectID string) (*ResetToken, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, invalidRequest("subject id is required")
	}

	token, err := generateResetToken()
	if err != nil {
		return nil, err
	}

	tokenHash, err := s.hasher.Hash(token)
	if err != nil {
		return nil, err
	}

	session := models.ResetSession{
		TokenHash: tokenHash,
		ExpiresAt: s.clock.Now().Add(s.cfg.ResetSessionTTL),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reset session: %w", err)
	}

	if err := s.store.Set(ctx, models.ResetSessionKey(subjectID), data, s.cfg.ResetSessionTTL); err != nil {
		return nil, storeUnavailable(err)
	}

	s.logger.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"expires_at": session.ExpiresAt,
	}).Info("Reset session created")

	return &ResetToken{Token: token, ExpiresAt: session.ExpiresAt}, nil
}

// VerifyForgotOTP runs the first recovery phase: a forgot-purpose OTP check
// followed by a fresh reset session.
func (s *ResetSessionService) VerifyForgotOTP(ctx context.Context, subjectID, code string) (*ResetToken, error) {
	if err := s.verifier.Verify(ctx, models.PurposeForgot, subjectID, code); err != nil {
		return nil, err
	}
	return s.CreateSession(ctx, subjectID)
}

// Redeem consumes the session for subjectID when token matches. A mismatch
// leaves the session in place; a match deletes it so it can be redeemed once.
func (s *ResetSessionService) Redeem(ctx context.Context, subjectID, token string) (bool, error) {
	return s.RedeemWith(ctx, subjectID, token, nil)
}

// RedeemWith is Redeem with a follow-up step run after the session is claimed.
// If apply fails the session is put back with its remaining lifetime and the
// apply error is returned unwrapped.
func (s *ResetSessionService) RedeemWith(ctx context.Context, subjectID, token string, apply func(context.Context) error) (bool, error) {
	key := models.ResetSessionKey(subjectID)

	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeUnavailable(err)
	}

	var session models.ResetSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return false, fmt.Errorf("failed to unmarshal reset session: %w", err)
	}

	if session.Expired(s.clock.Now()) {
		if err := s.store.Delete(ctx, key); err != nil {
			return false, storeUnavailable(err)
		}
		return false, nil
	}

	if !s.hasher.Verify(token, session.TokenHash) {
		s.logger.WithField("subject_id", subjectID).Warn("Reset token mismatch")
		return false, nil
	}

	err = s.store.CompareAndDelete(ctx, key, raw)
	if errors.Is(err, repository.ErrConflict) {
		// redeemed or replaced concurrently
		return false, nil
	}
	if err != nil {
		return false, storeUnavailable(err)
	}

	if apply != nil {
		if err := apply(ctx); err != nil {
			s.restore(ctx, subjectID, raw, session.ExpiresAt)
			return false, err
		}
	}

	s.logger.WithField("subject_id", subjectID).Info("Reset session redeemed")
	return true, nil
}

// restore writes a claimed session back after its follow-up step failed.
func (s *ResetSessionService) restore(ctx context.Context, subjectID string, raw []byte, expiresAt time.Time) {
	log := s.logger.WithField("subject_id", subjectID)

	remaining := expiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		log.Info("Reset session expired before it could be restored")
		return
	}

	if err := s.store.Set(ctx, models.ResetSessionKey(subjectID), raw, remaining); err != nil {
		log.WithError(err).Error("Failed to restore reset session")
		return
	}
	log.Info("Reset session restored")
}
