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

// maxUpdateRetries bounds re-reads after a concurrent write to the same record.
const maxUpdateRetries = 3

type IssueRequest struct {
	Purpose   models.Purpose
	SubjectID string
	Channel   models.Channel
	Target    string
}

type IssueResult struct {
	Code      string
	ExpiresAt time.Time
}

type OTPService struct {
	store      repository.CredentialStore
	hasher     Hasher
	dispatcher *ChannelDispatcher
	clock      clock.Clock
	cfg        *config.OTPConfig
	logger     *logrus.Logger
}

func NewOTPService(
	store repository.CredentialStore,
	hasher Hasher,
	dispatcher *ChannelDispatcher,
	c clock.Clock,
	cfg *config.OTPConfig,
	logger *logrus.Logger,
) *OTPService {
	return &OTPService{
		store:      store,
		hasher:     hasher,
		dispatcher: dispatcher,
		clock:      c,
		cfg:        cfg,
		logger:     logger,
	}
}

// Issue creates a fresh code for (purpose, subject), replacing any previous one
// once the resend cooldown has elapsed. The plaintext code is returned for the
// caller to deliver and is not kept anywhere else.
func (s *OTPService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if !req.Purpose.Valid() {
		return nil, invalidRequest("unknown purpose %q", req.Purpose)
	}
	if !req.Channel.Valid() {
		return nil, invalidRequest("unknown channel %q", req.Channel)
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		return nil, invalidRequest("subject id is required")
	}

	key := models.OTPKey(req.Purpose, req.SubjectID)
	now := s.clock.Now()

	_, existing, err := s.load(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, storeUnavailable(err)
	}
	if existing != nil && !existing.Expired(now) {
		elapsed := int(now.Sub(existing.LastSentAt) / time.Second)
		cooldown := int(s.cfg.ResendCooldown / time.Second)
		if elapsed < cooldown {
			return nil, rateLimited(cooldown - elapsed)
		}
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}

	otpHash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, err
	}

	record := models.OTPRecord{
		OTPHash:    otpHash,
		ExpiresAt:  now.Add(s.cfg.TTL),
		Attempts:   0,
		LastSentAt: now,
		Channel:    req.Channel,
		Target:     req.Target,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OTP record: %w", err)
	}

	if err := s.store.Set(ctx, key, data, s.cfg.TTL); err != nil {
		return nil, storeUnavailable(err)
	}

	s.logger.WithFields(logrus.Fields{
		"purpose":    req.Purpose,
		"subject_id": req.SubjectID,
		"channel":    req.Channel,
		"expires_at": record.ExpiresAt,
	}).Info("OTP issued")

	return &IssueResult{Code: code, ExpiresAt: record.ExpiresAt}, nil
}

// IssueAndDispatch issues a code and hands it straight to the dispatcher.
// A delivery failure leaves the stored record valid so a later resend can succeed.
func (s *OTPService) IssueAndDispatch(ctx context.Context, req IssueRequest) (time.Time, error) {
	result, err := s.Issue(ctx, req)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.dispatcher.Dispatch(ctx, req.Channel, req.Target, result.Code, req.Purpose); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"purpose":    req.Purpose,
			"subject_id": req.SubjectID,
			"channel":    req.Channel,
		}).Warn("OTP dispatch failed")
		return result.ExpiresAt, dispatchFailure(err)
	}

	return result.ExpiresAt, nil
}

// Verify checks code against the live record for (purpose, subject).
// The record is deleted on success, expiry and exhaustion; a miss below the
// limit is counted with an atomic conditional update.
func (s *OTPService) Verify(ctx context.Context, purpose models.Purpose, subjectID, code string) error {
	if !purpose.Valid() {
		return invalidRequest("unknown purpose %q", purpose)
	}

	key := models.OTPKey(purpose, subjectID)
	log := s.logger.WithFields(logrus.Fields{"purpose": purpose, "subject_id": subjectID})

	// bcrypt is the expensive step; a retry against the same hash reuses the result
	var checkedHash string
	var matched bool

	for try := 0; try < maxUpdateRetries; try++ {
		raw, record, err := s.load(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			return invalidOrExpired(-1)
		}
		if err != nil {
			return storeUnavailable(err)
		}

		now := s.clock.Now()

		if record.Expired(now) {
			if err := s.store.Delete(ctx, key); err != nil {
				return storeUnavailable(err)
			}
			return invalidOrExpired(-1)
		}

		if record.Attempts >= s.cfg.MaxAttempts {
			if err := s.store.Delete(ctx, key); err != nil {
				return storeUnavailable(err)
			}
			return attemptsExhausted()
		}

		if checkedHash != record.OTPHash {
			matched = s.hasher.Verify(code, record.OTPHash)
			checkedHash = record.OTPHash
		}

		if matched {
			err := s.store.CompareAndDelete(ctx, key, raw)
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			if err != nil {
				return storeUnavailable(err)
			}
			log.Info("OTP verified")
			return nil
		}

		record.Attempts++

		if record.Attempts >= s.cfg.MaxAttempts {
			err := s.store.CompareAndDelete(ctx, key, raw)
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			if err != nil {
				return storeUnavailable(err)
			}
			log.Warn("OTP attempts exhausted")
			return attemptsExhausted()
		}

		updated, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal OTP record: %w", err)
		}

		err = s.store.CompareAndSwap(ctx, key, raw, updated, record.ExpiresAt.Sub(now))
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return storeUnavailable(err)
		}

		remaining := s.cfg.MaxAttempts - record.Attempts
		log.WithField("attempts_remaining", remaining).Info("OTP mismatch")
		return invalidOrExpired(remaining)
	}

	return storeUnavailable(fmt.Errorf("OTP record for %s kept changing: %w", key, repository.ErrConflict))
}

// load returns the raw bytes alongside the decoded record so updates can be conditional.
func (s *OTPService) load(ctx context.Context, key string) ([]byte, *models.OTPRecord, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	var record models.OTPRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal OTP record: %w", err)
	}

	return raw, &record, nil
}
