package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/servicehub/otpguard/internal/clock"
	"github.com/servicehub/otpguard/internal/config"
	"github.com/servicehub/otpguard/internal/models"
	"github.com/servicehub/otpguard/internal/repository"
	"github.com/servicehub/otpguard/internal/service"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- fakes ---

type fakeAccounts struct {
	mu        sync.Mutex
	byEmail   map[string]*models.Account
	getErr    error
	markErr   error
	updateErr error
}

func newFakeAccounts(accounts ...*models.Account) *fakeAccounts {
	f := &fakeAccounts{byEmail: make(map[string]*models.Account)}
	for _, a := range accounts {
		f.byEmail[a.Email] = a
	}
	return f
}

func (f *fakeAccounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byEmail[email]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccounts) MarkVerified(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	a, ok := f.byEmail[email]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.Verified = true
	return nil
}

func (f *fakeAccounts) UpdatePasswordHash(_ context.Context, email, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	a, ok := f.byEmail[email]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.PasswordHash = passwordHash
	return nil
}

func (f *fakeAccounts) get(email string) models.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byEmail[email]
}

type captureDispatcher struct {
	mu       sync.Mutex
	codes    map[string]string
	emailErr error
}

func (d *captureDispatcher) record(address, code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.codes == nil {
		d.codes = make(map[string]string)
	}
	d.codes[address] = code
}

func (d *captureDispatcher) SendViaEmail(_ context.Context, address, code string, _ models.Purpose) error {
	d.record(address, code)
	return d.emailErr
}

func (d *captureDispatcher) SendViaSMS(_ context.Context, address, code string, _ models.Purpose) error {
	d.record(address, code)
	return nil
}

func (d *captureDispatcher) codeFor(address string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, ok := d.codes[address]
	return code, ok
}

// --- helpers ---

type gateway struct {
	handlers *AuthHandlers
	accounts *fakeAccounts
	sent     *captureDispatcher
	clock    *clock.Fake
	logs     *test.Hook
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	logger, hook := test.NewNullLogger()
	cfg := config.DefaultOTPConfig()
	cfg.HashCost = bcrypt.MinCost

	clk := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clk)
	hasher := service.NewBcryptHasher(cfg.HashCost)
	sent := &captureDispatcher{}

	dispatcher := service.NewChannelDispatcher(sent, service.DispatchPolicy{RequireEmail: true}, logger)
	otp := service.NewOTPService(store, hasher, dispatcher, clk, &cfg, logger)
	reset := service.NewResetSessionService(store, hasher, otp, clk, &cfg, logger)

	accounts := newFakeAccounts(
		&models.Account{ID: "u1", Email: "jane@example.com", PhoneNumber: "+14155552671"},
		&models.Account{ID: "u2", Email: "sam@example.com"},
		&models.Account{ID: "u3", Email: "lee@example.com", PhoneNumber: "0412", Verified: true},
	)

	return &gateway{
		handlers: NewAuthHandlers(otp, reset, accounts, hasher, logger),
		accounts: accounts,
		sent:     sent,
		clock:    clk,
		logs:     hook,
	}
}

func do(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp.Error
}

func (g *gateway) issue(t *testing.T, email, purpose, method string) *httptest.ResponseRecorder {
	return do(t, g.handlers.IssueOTP, map[string]string{"email": email, "purpose": purpose, "method": method})
}

func (g *gateway) verify(t *testing.T, email, purpose, otp string) *httptest.ResponseRecorder {
	return do(t, g.handlers.VerifyOTP, map[string]string{"email": email, "purpose": purpose, "otp": otp})
}

// recoverSession runs the forgot flow for email and returns the reset token.
func (g *gateway) recoverSession(t *testing.T, email string) string {
	t.Helper()
	require.Equal(t, http.StatusOK, g.issue(t, email, "forgot", "email").Code)
	code, ok := g.sent.codeFor(email)
	require.True(t, ok)

	rr := g.verify(t, email, "forgot", code)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var verified VerifyOTPResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&verified))
	require.NotEmpty(t, verified.ResetToken)
	return verified.ResetToken
}

func (g *gateway) resetPassword(t *testing.T, email, token, password string) *httptest.ResponseRecorder {
	return do(t, g.handlers.ResetPassword, map[string]string{
		"email":        email,
		"reset_token":  token,
		"new_password": password,
	})
}

func otherCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

// --- tests ---

func TestIssueOTP_RegisterDefaultsToBothWhenPhoneKnown(t *testing.T) {
	g := newGateway(t)

	rr := g.issue(t, "jane@example.com", "register", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp IssueOTPResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "both", resp.Method)
	assert.False(t, resp.ExpiresAt.IsZero())

	emailCode, ok := g.sent.codeFor("jane@example.com")
	require.True(t, ok)
	smsCode, ok := g.sent.codeFor("+14155552671")
	require.True(t, ok)
	assert.Equal(t, emailCode, smsCode)
}

func TestIssueOTP_RegisterEmailOnlyAccount(t *testing.T) {
	g := newGateway(t)

	rr := g.issue(t, "Sam@Example.com", "register", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp IssueOTPResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "email", resp.Method)
	assert.Equal(t, "OTP has been sent to your registered email", resp.Message)
}

func TestIssueOTP_ForgotRequiresMethod(t *testing.T) {
	g := newGateway(t)

	rr := g.issue(t, "jane@example.com", "forgot", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	detail := decodeError(t, rr)
	assert.Equal(t, "METHOD_REQUIRED", detail.Code)
	assert.Equal(t, []string{"email", "phone"}, detail.AvailableMethods)
}

func TestIssueOTP_ForgotRejectsUnavailableMethod(t *testing.T) {
	g := newGateway(t)

	// lee has a phone number, but it is not E.164
	rr := g.issue(t, "lee@example.com", "forgot", "phone")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	detail := decodeError(t, rr)
	assert.Equal(t, "METHOD_UNAVAILABLE", detail.Code)
	assert.Equal(t, []string{"email"}, detail.AvailableMethods)

	rr = g.issue(t, "jane@example.com", "forgot", "both")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "METHOD_UNAVAILABLE", decodeError(t, rr).Code)
}

func TestIssueOTP_ForgotViaPhone(t *testing.T) {
	g := newGateway(t)

	rr := g.issue(t, "jane@example.com", "forgot", "phone")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	_, ok := g.sent.codeFor("+14155552671")
	assert.True(t, ok)
	_, ok = g.sent.codeFor("jane@example.com")
	assert.False(t, ok)
}

func TestIssueOTP_RegisterAlreadyVerified(t *testing.T) {
	g := newGateway(t)

	rr := g.issue(t, "lee@example.com", "register", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ALREADY_VERIFIED", decodeError(t, rr).Code)
}

func TestIssueOTP_UnknownAccount(t *testing.T) {
	g := newGateway(t)

	rr := g.issue(t, "ghost@example.com", "register", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", decodeError(t, rr).Code)
}

func TestIssueOTP_AccountLookupFailure(t *testing.T) {
	g := newGateway(t)
	g.accounts.getErr = errors.New("dynamodb: throttled")

	rr := g.issue(t, "jane@example.com", "register", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestIssueOTP_ValidationErrors(t *testing.T) {
	g := newGateway(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"bad email", map[string]string{"email": "not-an-email", "purpose": "register"}},
		{"unknown purpose", map[string]string{"email": "jane@example.com", "purpose": "login"}},
		{"unknown method", map[string]string{"email": "jane@example.com", "purpose": "forgot", "method": "fax"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, g.handlers.IssueOTP, tt.body)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "INVALID_REQUEST", decodeError(t, rr).Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	g.handlers.IssueOTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssueOTP_CooldownReturnsRetryAfter(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "sam@example.com", "register", "").Code)

	g.clock.Advance(10 * time.Second)
	rr := g.issue(t, "sam@example.com", "register", "")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "20", rr.Header().Get("Retry-After"))

	detail := decodeError(t, rr)
	assert.Equal(t, "RATE_LIMITED", detail.Code)
	assert.Equal(t, 20, detail.RetryAfter)
}

func TestIssueOTP_DispatchFailure(t *testing.T) {
	g := newGateway(t)
	g.sent.emailErr = errors.New("smtp: 421")

	rr := g.issue(t, "sam@example.com", "register", "")
	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "DISPATCH_FAILURE", decodeError(t, rr).Code)
}

func TestVerifyOTP_RegisterMarksAccountVerified(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "sam@example.com", "register", "").Code)
	code, ok := g.sent.codeFor("sam@example.com")
	require.True(t, ok)

	rr := g.verify(t, "sam@example.com", "register", code)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, g.accounts.get("sam@example.com").Verified)

	rr = g.verify(t, "sam@example.com", "register", code)
	assert.Equal(t, http.StatusOK, rr.Code, "already verified")
}

func TestVerifyOTP_WrongCodeReportsAttemptsRemaining(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "sam@example.com", "register", "").Code)
	code, _ := g.sent.codeFor("sam@example.com")

	rr := g.verify(t, "sam@example.com", "register", otherCode(code))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	detail := decodeError(t, rr)
	assert.Equal(t, "INVALID_OR_EXPIRED", detail.Code)
	require.NotNil(t, detail.AttemptsRemaining)
	assert.Equal(t, 4, *detail.AttemptsRemaining)
	assert.NotContains(t, rr.Body.String(), code)
	assert.False(t, g.accounts.get("sam@example.com").Verified)
}

func TestVerifyOTP_ExhaustionReturns429(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "sam@example.com", "register", "").Code)
	code, _ := g.sent.codeFor("sam@example.com")
	bad := otherCode(code)

	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusBadRequest, g.verify(t, "sam@example.com", "register", bad).Code)
	}

	rr := g.verify(t, "sam@example.com", "register", bad)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "ATTEMPTS_EXHAUSTED", decodeError(t, rr).Code)

	rr = g.verify(t, "sam@example.com", "register", code)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	detail := decodeError(t, rr)
	assert.Equal(t, "INVALID_OR_EXPIRED", detail.Code)
	assert.Nil(t, detail.AttemptsRemaining)
}

func TestVerifyOTP_RejectsMalformedCode(t *testing.T) {
	g := newGateway(t)

	rr := g.verify(t, "sam@example.com", "register", "12ab56")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rr).Code)
}

func TestPasswordRecoveryFlow(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "jane@example.com", "forgot", "email").Code)
	code, ok := g.sent.codeFor("jane@example.com")
	require.True(t, ok)

	rr := g.verify(t, "jane@example.com", "forgot", code)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var verified VerifyOTPResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&verified))
	require.Len(t, verified.ResetToken, 64)
	require.NotNil(t, verified.ExpiresAt)

	reset := map[string]string{
		"email":        "jane@example.com",
		"reset_token":  verified.ResetToken,
		"new_password": "correct-horse",
	}

	rr = do(t, g.handlers.ResetPassword, reset)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	hash := g.accounts.get("jane@example.com").PasswordHash
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse")))

	// the session is single-use
	rr = do(t, g.handlers.ResetPassword, reset)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND_OR_EXPIRED", decodeError(t, rr).Code)
}

func TestResetPassword_WrongTokenKeepsSession(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "jane@example.com", "forgot", "email").Code)
	code, _ := g.sent.codeFor("jane@example.com")

	rr := g.verify(t, "jane@example.com", "forgot", code)
	require.Equal(t, http.StatusOK, rr.Code)
	var verified VerifyOTPResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&verified))

	rr = do(t, g.handlers.ResetPassword, map[string]string{
		"email":        "jane@example.com",
		"reset_token":  strings.Repeat("0", 64),
		"new_password": "correct-horse",
	})
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, g.accounts.get("jane@example.com").PasswordHash)

	rr = do(t, g.handlers.ResetPassword, map[string]string{
		"email":        "jane@example.com",
		"reset_token":  verified.ResetToken,
		"new_password": "correct-horse",
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestResetPassword_ShortPassword(t *testing.T) {
	g := newGateway(t)

	rr := do(t, g.handlers.ResetPassword, map[string]string{
		"email":        "jane@example.com",
		"reset_token":  "abc",
		"new_password": "123",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "NewPassword")
}

func TestResetPassword_OverlongPasswordKeepsSession(t *testing.T) {
	g := newGateway(t)
	token := g.recoverSession(t, "jane@example.com")

	rr := g.resetPassword(t, "jane@example.com", token, strings.Repeat("a", 73))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	detail := decodeError(t, rr)
	assert.Equal(t, "INVALID_REQUEST", detail.Code)
	assert.Contains(t, detail.Message, "NewPassword")

	rr = g.resetPassword(t, "jane@example.com", token, strings.Repeat("a", 72))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	hash := g.accounts.get("jane@example.com").PasswordHash
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(strings.Repeat("a", 72))))
}

func TestResetPassword_AccountUpdateFailureKeepsSession(t *testing.T) {
	g := newGateway(t)
	token := g.recoverSession(t, "jane@example.com")

	g.accounts.updateErr = errors.New("dynamodb: throttled")
	rr := g.resetPassword(t, "jane@example.com", token, "correct-horse")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "PASSWORD_RESET_FAILED", decodeError(t, rr).Code)
	assert.Empty(t, g.accounts.get("jane@example.com").PasswordHash)

	g.accounts.updateErr = nil
	rr = g.resetPassword(t, "jane@example.com", token, "correct-horse")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = g.resetPassword(t, "jane@example.com", token, "correct-horse")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestVerifyOTP_MarkVerifiedFailureIsLogged(t *testing.T) {
	g := newGateway(t)

	require.Equal(t, http.StatusOK, g.issue(t, "sam@example.com", "register", "").Code)
	code, _ := g.sent.codeFor("sam@example.com")

	g.accounts.markErr = errors.New("dynamodb: throttled")
	rr := g.verify(t, "sam@example.com", "register", code)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "ACCOUNT_UPDATE_FAILED", decodeError(t, rr).Code)

	entry := g.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Failed to mark account verified", entry.Message)
	assert.Equal(t, true, entry.Data["otp_consumed"])
	assert.Equal(t, "u2", entry.Data["subject_id"])

	// the code was consumed, so the client must request a new one
	g.accounts.markErr = nil
	rr = g.verify(t, "sam@example.com", "register", code)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_OR_EXPIRED", decodeError(t, rr).Code)
}

func TestParseIssueRequest(t *testing.T) {
	tests := []struct {
		name        string
		req         IssueOTPRequest
		wantPurpose models.Purpose
		wantChannel models.Channel
		wantErr     bool
	}{
		{"method omitted", IssueOTPRequest{Purpose: "register"}, models.PurposeRegister, "", false},
		{"explicit method", IssueOTPRequest{Purpose: "forgot", Method: "phone"}, models.PurposeForgot, models.ChannelPhone, false},
		{"unknown purpose", IssueOTPRequest{Purpose: "login"}, "", "", true},
		{"unknown method", IssueOTPRequest{Purpose: "register", Method: "fax"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			purpose, channel, err := parseIssueRequest(tt.req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPurpose, purpose)
			assert.Equal(t, tt.wantChannel, channel)
		})
	}
}

func TestHealth(t *testing.T) {
	g := newGateway(t)

	rr := httptest.NewRecorder()
	g.handlers.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestSelectChannel(t *testing.T) {
	both := []string{"email", "phone"}
	emailOnly := []string{"email"}

	tests := []struct {
		name      string
		purpose   models.Purpose
		requested models.Channel
		available []string
		want      models.Channel
		wantCode  string
	}{
		{"register default with phone", models.PurposeRegister, "", both, models.ChannelBoth, ""},
		{"register default email only", models.PurposeRegister, "", emailOnly, models.ChannelEmail, ""},
		{"register explicit phone", models.PurposeRegister, models.ChannelPhone, both, models.ChannelPhone, ""},
		{"register both without phone", models.PurposeRegister, models.ChannelBoth, emailOnly, "", "METHOD_UNAVAILABLE"},
		{"forgot default", models.PurposeForgot, "", both, "", "METHOD_REQUIRED"},
		{"forgot email", models.PurposeForgot, models.ChannelEmail, both, models.ChannelEmail, ""},
		{"forgot both", models.PurposeForgot, models.ChannelBoth, both, "", "METHOD_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail := selectChannel(tt.purpose, tt.requested, tt.available)
			if tt.wantCode != "" {
				require.NotNil(t, detail)
				assert.Equal(t, tt.wantCode, detail.Code)
				return
			}
			require.Nil(t, detail)
			assert.Equal(t, tt.want, got)
		})
	}
}
