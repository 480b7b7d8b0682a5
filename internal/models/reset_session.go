package models

import (
	"fmt"
	"time"
)

// ResetSession authorises exactly one password change after a forgot-password OTP.
type ResetSession struct {
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *ResetSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func ResetSessionKey(subjectID string) string {
	return fmt.Sprintf("otp:%s:session:%s", PurposeForgot, subjectID)
}
