// Package notifier delivers OTP codes over email and SMS.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/servicehub/otpguard/internal/models"
	"github.com/sirupsen/logrus"
)

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

// Notifier renders OTP messages and hands them to the email and SMS transports.
type Notifier struct {
	email  EmailSender
	sms    SMSSender
	expiry time.Duration
	logger *logrus.Logger
}

// New builds a Notifier. A nil sender disables that channel.
func New(email EmailSender, sms SMSSender, expiry time.Duration, logger *logrus.Logger) *Notifier {
	return &Notifier{
		email:  email,
		sms:    sms,
		expiry: expiry,
		logger: logger,
	}
}

func (n *Notifier) SendViaEmail(ctx context.Context, address, code string, purpose models.Purpose) error {
	if n.email == nil {
		return fmt.Errorf("email delivery is not configured")
	}
	subject := "Account Verification OTP"
	if purpose == models.PurposeForgot {
		subject = "Password Reset OTP"
	}
	body := fmt.Sprintf("Your OTP is %s. It expires in %s.", code, n.expiryText())
	if err := n.email.SendEmail(ctx, address, subject, body); err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"purpose": purpose,
		"to":      MaskEmail(address),
	}).Info("OTP email sent")
	return nil
}

func (n *Notifier) SendViaSMS(ctx context.Context, address, code string, purpose models.Purpose) error {
	if n.sms == nil {
		return fmt.Errorf("SMS delivery is not configured")
	}
	prefix := "Account verification"
	if purpose == models.PurposeForgot {
		prefix = "Password reset"
	}
	msg := fmt.Sprintf("%s OTP: %s. Expires in %s.", prefix, code, n.expiryText())
	if err := n.sms.SendSMS(ctx, address, msg); err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"purpose": purpose,
		"to":      MaskPhone(address),
	}).Info("OTP SMS sent")
	return nil
}

func (n *Notifier) expiryText() string {
	minutes := int(n.expiry / time.Minute)
	if minutes <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
