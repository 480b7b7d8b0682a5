package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/servicehub/otpguard/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Dispatcher delivers a plaintext code over one transport.
type Dispatcher interface {
	SendViaEmail(ctx context.Context, address, code string, purpose models.Purpose) error
	SendViaSMS(ctx context.Context, address, code string, purpose models.Purpose) error
}

// DispatchPolicy decides which legs of a "both" delivery must succeed.
type DispatchPolicy struct {
	RequireEmail bool
	RequireSMS   bool
}

// ChannelDispatcher routes a code to email, SMS or both according to the channel.
type ChannelDispatcher struct {
	dispatcher Dispatcher
	policy     DispatchPolicy
	logger     *logrus.Logger
}

func NewChannelDispatcher(dispatcher Dispatcher, policy DispatchPolicy, logger *logrus.Logger) *ChannelDispatcher {
	return &ChannelDispatcher{
		dispatcher: dispatcher,
		policy:     policy,
		logger:     logger,
	}
}

// BothTarget joins an email and phone into the target format used for ChannelBoth.
func BothTarget(email, phone string) string {
	if phone == "" {
		return email
	}
	return email + "," + phone
}

func splitBothTarget(target string) (email, phone string) {
	email, phone, _ = strings.Cut(target, ",")
	return strings.TrimSpace(email), strings.TrimSpace(phone)
}

func (d *ChannelDispatcher) Dispatch(ctx context.Context, channel models.Channel, target, code string, purpose models.Purpose) error {
	switch channel {
	case models.ChannelEmail:
		return d.dispatcher.SendViaEmail(ctx, target, code, purpose)
	case models.ChannelPhone:
		return d.dispatcher.SendViaSMS(ctx, target, code, purpose)
	case models.ChannelBoth:
		return d.dispatchBoth(ctx, target, code, purpose)
	default:
		return fmt.Errorf("unsupported OTP channel %q", channel)
	}
}

// dispatchBoth sends on both legs independently; neither cancels the other.
// A failed leg fails the call only when the policy requires it.
func (d *ChannelDispatcher) dispatchBoth(ctx context.Context, target, code string, purpose models.Purpose) error {
	email, phone := splitBothTarget(target)

	var g errgroup.Group
	g.Go(func() error {
		err := d.dispatcher.SendViaEmail(ctx, email, code, purpose)
		return d.legResult("email", d.policy.RequireEmail, err)
	})
	if phone != "" {
		g.Go(func() error {
			err := d.dispatcher.SendViaSMS(ctx, phone, code, purpose)
			return d.legResult("sms", d.policy.RequireSMS, err)
		})
	}
	return g.Wait()
}

func (d *ChannelDispatcher) legResult(leg string, required bool, err error) error {
	if err == nil {
		return nil
	}
	if required {
		return fmt.Errorf("%s: %w", leg, err)
	}
	d.logger.WithError(err).WithField("leg", leg).Warn("Optional leg of OTP dispatch failed")
	return nil
}
