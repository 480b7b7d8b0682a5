package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/servicehub/otpguard/internal/models"
	"github.com/servicehub/otpguard/internal/repository"
	"github.com/servicehub/otpguard/internal/service"
	"github.com/sirupsen/logrus"
)

var e164Phone = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// AccountDirectory is the account lookup and update surface the OTP flows need.
type AccountDirectory interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	MarkVerified(ctx context.Context, email string) error
	UpdatePasswordHash(ctx context.Context, email, passwordHash string) error
}

type OTPIssuer interface {
	IssueAndDispatch(ctx context.Context, req service.IssueRequest) (time.Time, error)
	Verify(ctx context.Context, purpose models.Purpose, subjectID, code string) error
}

type ResetSessions interface {
	VerifyForgotOTP(ctx context.Context, subjectID, code string) (*service.ResetToken, error)
	RedeemWith(ctx context.Context, subjectID, token string, apply func(context.Context) error) (bool, error)
}

type AuthHandlers struct {
	otpService     OTPIssuer
	resetService   ResetSessions
	accounts       AccountDirectory
	passwordHasher service.Hasher
	validate       *validator.Validate
	logger         *logrus.Logger
}

func NewAuthHandlers(
	otpService OTPIssuer,
	resetService ResetSessions,
	accounts AccountDirectory,
	passwordHasher service.Hasher,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		otpService:     otpService,
		resetService:   resetService,
		accounts:       accounts,
		passwordHasher: passwordHasher,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger,
	}
}

type IssueOTPRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Purpose string `json:"purpose" validate:"required,oneof=register forgot"`
	Method  string `json:"method" validate:"omitempty,oneof=email phone both"`
}

type IssueOTPResponse struct {
	Message   string    `json:"message"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

type VerifyOTPRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Purpose string `json:"purpose" validate:"required,oneof=register forgot"`
	OTP     string `json:"otp" validate:"required,len=6,numeric"`
}

type VerifyOTPResponse struct {
	Message    string     `json:"message"`
	ResetToken string     `json:"reset_token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	ResetToken  string `json:"reset_token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=72"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	RetryAfter        int      `json:"retry_after,omitempty"`
	AttemptsRemaining *int     `json:"attempts_remaining,omitempty"`
	AvailableMethods  []string `json:"available_methods,omitempty"`
}

func (h *AuthHandlers) IssueOTP(w http.ResponseWriter, r *http.Request) {
	var req IssueOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	purpose, requested, err := parseIssueRequest(req)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	account, ok := h.lookupAccount(w, r, req.Email)
	if !ok {
		return
	}

	if purpose == models.PurposeRegister && account.Verified {
		h.respondWithError(w, http.StatusBadRequest, "ALREADY_VERIFIED", "Account is already verified")
		return
	}

	available := availableMethods(account)
	if len(available) == 0 {
		h.respondWithError(w, http.StatusBadRequest, "NO_DELIVERY_METHOD", "No valid registered email/phone found for OTP delivery")
		return
	}

	channel, detail := selectChannel(purpose, requested, available)
	if detail != nil {
		h.respondWithJSON(w, http.StatusBadRequest, ErrorResponse{Error: *detail})
		return
	}

	expiresAt, err := h.otpService.IssueAndDispatch(r.Context(), service.IssueRequest{
		Purpose:   purpose,
		SubjectID: account.ID,
		Channel:   channel,
		Target:    deliveryTarget(channel, account),
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, IssueOTPResponse{
		Message:   sentMessage(channel),
		Method:    string(channel),
		ExpiresAt: expiresAt,
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	purpose, err := models.ParsePurpose(req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	account, ok := h.lookupAccount(w, r, req.Email)
	if !ok {
		return
	}

	switch purpose {
	case models.PurposeRegister:
		if account.Verified {
			h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Account is already verified"})
			return
		}

		if err := h.otpService.Verify(r.Context(), models.PurposeRegister, account.ID, req.OTP); err != nil {
			h.respondWithServiceError(w, err)
			return
		}

		if err := h.accounts.MarkVerified(r.Context(), account.Email); err != nil {
			// the code is already consumed; the client has to request a new one
			h.logger.WithError(err).WithFields(logrus.Fields{
				"subject_id":   account.ID,
				"otp_consumed": true,
			}).Error("Failed to mark account verified")
			h.respondWithError(w, http.StatusInternalServerError, "ACCOUNT_UPDATE_FAILED", "Failed to verify account")
			return
		}

		h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Account verified successfully"})

	case models.PurposeForgot:
		session, err := h.resetService.VerifyForgotOTP(r.Context(), account.ID, req.OTP)
		if err != nil {
			h.respondWithServiceError(w, err)
			return
		}

		h.respondWithJSON(w, http.StatusOK, VerifyOTPResponse{
			Message:    "OTP verified. You can now reset your password.",
			ResetToken: session.Token,
			ExpiresAt:  &session.ExpiresAt,
		})
	}
}

func (h *AuthHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, ok := h.lookupAccount(w, r, req.Email)
	if !ok {
		return
	}

	// hashed before the session is touched so a rejected password keeps it
	passwordHash, err := h.passwordHasher.Hash(req.NewPassword)
	if err != nil {
		h.logger.WithError(err).WithField("subject_id", account.ID).Error("Failed to hash new password")
		h.respondWithError(w, http.StatusInternalServerError, "PASSWORD_RESET_FAILED", "Password reset failed")
		return
	}

	var updateErr error
	redeemed, err := h.resetService.RedeemWith(r.Context(), account.ID, req.ResetToken, func(ctx context.Context) error {
		updateErr = h.accounts.UpdatePasswordHash(ctx, account.Email, passwordHash)
		return updateErr
	})
	if updateErr != nil {
		h.logger.WithError(updateErr).WithField("subject_id", account.ID).Error("Failed to store new password")
		h.respondWithError(w, http.StatusInternalServerError, "PASSWORD_RESET_FAILED", "Password reset failed")
		return
	}
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	if !redeemed {
		h.respondWithServiceError(w, &service.Error{Kind: service.KindSessionNotFound})
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password reset successful"})
}

func (h *AuthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", validationMessage(err))
		return false
	}
	return true
}

func (h *AuthHandlers) lookupAccount(w http.ResponseWriter, r *http.Request, email string) (*models.Account, bool) {
	account, err := h.accounts.GetByEmail(r.Context(), normalizeEmail(email))
	if errors.Is(err, repository.ErrAccountNotFound) {
		h.respondWithError(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "User not found")
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up account")
		h.respondWithError(w, http.StatusInternalServerError, "ACCOUNT_LOOKUP_FAILED", "Failed to look up account")
		return nil, false
	}
	return account, true
}

func (h *AuthHandlers) respondWithServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		h.logger.WithError(err).Error("Unexpected error in OTP flow")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}

	detail := ErrorDetail{
		Code:    svcErr.Kind.String(),
		Message: svcErr.Error(),
	}

	switch svcErr.Kind {
	case service.KindRateLimited:
		detail.RetryAfter = svcErr.WaitSeconds
		w.Header().Set("Retry-After", strconv.Itoa(svcErr.WaitSeconds))
	case service.KindInvalidOrExpired:
		if svcErr.AttemptsRemaining >= 0 {
			remaining := svcErr.AttemptsRemaining
			detail.AttemptsRemaining = &remaining
		}
	case service.KindSessionNotFound:
		detail.Message = "Invalid or expired reset session. Please verify OTP again."
	case service.KindDispatchFailure:
		h.logger.WithError(err).Error("OTP delivery failed")
		detail.Message = "Failed to deliver OTP"
	case service.KindStoreUnavailable:
		h.logger.WithError(err).Error("Credential store unavailable")
		detail.Message = "Service temporarily unavailable"
	case service.KindInvalidRequest:
		detail.Message = "Invalid request"
	}

	h.respondWithJSON(w, svcErr.StatusCode(), ErrorResponse{Error: detail})
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// parseIssueRequest converts the validated strings into the model enums.
// An omitted method is returned as the empty Channel.
func parseIssueRequest(req IssueOTPRequest) (models.Purpose, models.Channel, error) {
	purpose, err := models.ParsePurpose(req.Purpose)
	if err != nil {
		return "", "", err
	}
	if req.Method == "" {
		return purpose, "", nil
	}
	channel, err := models.ParseChannel(req.Method)
	if err != nil {
		return "", "", err
	}
	return purpose, channel, nil
}

// availableMethods lists the single channels an account can receive codes on.
func availableMethods(account *models.Account) []string {
	var methods []string
	if account.Email != "" {
		methods = append(methods, string(models.ChannelEmail))
	}
	if e164Phone.MatchString(account.PhoneNumber) {
		methods = append(methods, string(models.ChannelPhone))
	}
	return methods
}

// selectChannel applies the delivery rules: registration defaults to every
// available channel, recovery requires the caller to choose one.
func selectChannel(purpose models.Purpose, requested models.Channel, available []string) (models.Channel, *ErrorDetail) {
	if requested == "" {
		if purpose == models.PurposeForgot {
			return "", &ErrorDetail{
				Code:             "METHOD_REQUIRED",
				Message:          "Please choose OTP delivery method",
				AvailableMethods: available,
			}
		}
		if slices.Contains(available, string(models.ChannelPhone)) {
			return models.ChannelBoth, nil
		}
		return models.ChannelEmail, nil
	}

	if requested == models.ChannelBoth {
		if purpose == models.PurposeRegister && len(available) == 2 {
			return models.ChannelBoth, nil
		}
	} else if slices.Contains(available, string(requested)) {
		return requested, nil
	}

	return "", &ErrorDetail{
		Code:             "METHOD_UNAVAILABLE",
		Message:          fmt.Sprintf("Selected method is unavailable. Available methods: %s", strings.Join(available, ", ")),
		AvailableMethods: available,
	}
}

func deliveryTarget(channel models.Channel, account *models.Account) string {
	switch channel {
	case models.ChannelPhone:
		return account.PhoneNumber
	case models.ChannelBoth:
		return service.BothTarget(account.Email, account.PhoneNumber)
	default:
		return account.Email
	}
}

func sentMessage(channel models.Channel) string {
	switch channel {
	case models.ChannelPhone:
		return "OTP has been sent to your registered phone number"
	case models.ChannelBoth:
		return "OTP has been sent to your registered email and phone number"
	default:
		return "OTP has been sent to your registered email"
	}
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
