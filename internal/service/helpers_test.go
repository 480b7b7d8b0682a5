package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/servicehub/otpguard/internal/clock"
	"github.com/servicehub/otpguard/internal/config"
	"github.com/servicehub/otpguard/internal/models"
	"github.com/servicehub/otpguard/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type sentCode struct {
	address string
	code    string
	purpose models.Purpose
}

type fakeDispatcher struct {
	mu       sync.Mutex
	emails   []sentCode
	sms      []sentCode
	emailErr error
	smsErr   error
}

func (d *fakeDispatcher) SendViaEmail(_ context.Context, address, code string, purpose models.Purpose) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emails = append(d.emails, sentCode{address: address, code: code, purpose: purpose})
	return d.emailErr
}

func (d *fakeDispatcher) SendViaSMS(_ context.Context, address, code string, purpose models.Purpose) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sms = append(d.sms, sentCode{address: address, code: code, purpose: purpose})
	return d.smsErr
}

func (d *fakeDispatcher) lastEmail() sentCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emails[len(d.emails)-1]
}

// failingStore fails every call and counts them.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Errorf("dial tcp 127.0.0.1:6379: connection refused")
}

func (s *failingStore) Get(context.Context, string) ([]byte, error) { return nil, s.fail() }
func (s *failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return s.fail()
}
func (s *failingStore) Delete(context.Context, string) error { return s.fail() }
func (s *failingStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) error {
	return s.fail()
}
func (s *failingStore) CompareAndDelete(context.Context, string, []byte) error { return s.fail() }

type testEnv struct {
	cfg        config.OTPConfig
	clock      *clock.Fake
	store      *repository.MemoryStore
	dispatcher *fakeDispatcher
	otp        *OTPService
	reset      *ResetSessionService
	logs       *test.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultOTPConfig()
	cfg.HashCost = bcrypt.MinCost

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	clk := clock.NewFake(t0)
	store := repository.NewMemoryStore(clk)
	dispatcher := &fakeDispatcher{}
	hasher := NewBcryptHasher(cfg.HashCost)

	otp := NewOTPService(store, hasher, NewChannelDispatcher(dispatcher, DispatchPolicy{RequireEmail: true}, logger), clk, &cfg, logger)
	reset := NewResetSessionService(store, hasher, otp, clk, &cfg, logger)

	return &testEnv{
		cfg:        cfg,
		clock:      clk,
		store:      store,
		dispatcher: dispatcher,
		otp:        otp,
		reset:      reset,
		logs:       hook,
	}
}

func emailRequest(purpose models.Purpose, subjectID string) IssueRequest {
	return IssueRequest{
		Purpose:   purpose,
		SubjectID: subjectID,
		Channel:   models.ChannelEmail,
		Target:    subjectID + "@example.com",
	}
}

// assertNotLogged fails if secret shows up in any captured log message or field.
func assertNotLogged(t *testing.T, hook *test.Hook, secret string) {
	t.Helper()
	for _, entry := range hook.AllEntries() {
		assert.NotContains(t, entry.Message, secret)
		for k, v := range entry.Data {
			assert.NotContains(t, fmt.Sprint(v), secret, "field %s", k)
		}
		line, err := entry.String()
		if err == nil {
			assert.False(t, strings.Contains(line, secret), "log line leaks secret: %s", line)
		}
	}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var svcErr *Error
	if !assert.ErrorAs(t, err, &svcErr) {
		t.FailNow()
	}
	if !assert.Equal(t, kind, svcErr.Kind, "got %v", err) {
		t.FailNow()
	}
	return svcErr
}
