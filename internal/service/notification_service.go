package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/clinic-service/internal/events"
	"github.com/spec-kit/clinic-service/internal/notify"
)

// NotificationService turns auth events into queued mail jobs. Enqueue
// failures are logged and swallowed so notification trouble can never change
// a request's outcome.
type NotificationService struct {
	dispatcher events.Dispatcher
	queue      notify.Queue
	logger     *zap.Logger
	baseURL    string
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, queue notify.Queue, logger *zap.Logger, baseURL string) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		queue:      queue,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventUserRegistered, n.handleUserRegistered)
	n.dispatcher.Subscribe(events.EventPasswordResetRequested, n.handlePasswordResetRequested)
	n.dispatcher.Subscribe(events.EventPasswordChanged, n.handlePasswordChanged)
	n.dispatcher.Subscribe(events.EventOTPRequested, n.handleOTPRequested)
}

func (n *NotificationService) handleUserRegistered(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.UserRegisteredPayload)
	if !ok {
		return nil
	}
	body := fmt.Sprintf("Hi %s,\n\nYour clinic account is ready. Sign in at %s to get started.\n", payload.Name, n.baseURL)
	n.enqueue(ctx, notify.MailJob{
		To:      payload.Email,
		Subject: "Welcome to your clinic workspace",
		Body:    body,
	})
	return nil
}

func (n *NotificationService) handlePasswordResetRequested(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PasswordResetRequestedPayload)
	if !ok {
		return nil
	}
	link := fmt.Sprintf("%s/reset-password?token=%s", n.baseURL, payload.Token)
	body := fmt.Sprintf("A password reset was requested for your account.\n\nReset link: %s\n\nThe link expires at %s. If you did not request this, ignore this email.\n",
		link, payload.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC"))
	n.enqueue(ctx, notify.MailJob{
		To:      payload.Email,
		Subject: "Password reset request",
		Body:    body,
	})
	return nil
}

func (n *NotificationService) handlePasswordChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PasswordChangedPayload)
	if !ok {
		return nil
	}
	n.enqueue(ctx, notify.MailJob{
		To:      payload.Email,
		Subject: "Your password was changed",
		Body:    "Your account password was just changed. If this was not you, reset it immediately.\n",
	})
	return nil
}

func (n *NotificationService) handleOTPRequested(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.OTPRequestedPayload)
	if !ok {
		return nil
	}
	body := fmt.Sprintf("Your verification code is %s. It expires in a few minutes.\n", payload.Code)
	n.enqueue(ctx, notify.MailJob{
		To:      payload.Email,
		Subject: "Your verification code",
		Body:    body,
	})
	return nil
}

func (n *NotificationService) enqueue(ctx context.Context, job notify.MailJob) {
	if n.queue == nil {
		return
	}
	if err := n.queue.Enqueue(ctx, job); err != nil {
		n.logger.Warn("failed to enqueue mail job",
			zap.String("to", job.To),
			zap.String("subject", job.Subject),
			zap.Error(err))
	}
}
