package models

import (
	"fmt"
	"time"
)

// Purpose namespaces OTP records so registration and recovery flows don't collide.
type Purpose string

const (
	PurposeRegister Purpose = "register"
	PurposeForgot   Purpose = "forgot"
)

func (p Purpose) Valid() bool {
	return p == PurposeRegister || p == PurposeForgot
}

func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown purpose %q", s)
	}
	return p, nil
}

// Channel is the delivery path used for a code.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
	ChannelBoth  Channel = "both"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPhone, ChannelBoth:
		return true
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// OTPRecord is the persisted state of a live code. Only the hash of the code is kept.
type OTPRecord struct {
	OTPHash    string    `json:"otp_hash"`
	ExpiresAt  time.Time `json:"expires_at"`
	Attempts   int       `json:"attempts"`
	LastSentAt time.Time `json:"last_sent_at"`
	Channel    Channel   `json:"channel"`
	Target     string    `json:"target"`
}

// Expired reports whether the record is unusable at now.
func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func OTPKey(purpose Purpose, subjectID string) string {
	return fmt.Sprintf("otp:%s:%s", purpose, subjectID)
}
