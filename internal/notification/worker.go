package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"mes-execution-backend/internal/metrics"
	"mes-execution-backend/internal/model"
)

// ErrQueueFull is returned when the pool cannot accept more notifications.
var ErrQueueFull = errors.New("notification queue full")

// Priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is an alert addressed to users or roles.
type Notification struct {
	Recipients []string       `json:"-"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Priority   string         `json:"priority"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink accepts notifications for delivery.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender sends through the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool delivers notifications to matching push subscriptions.
type WorkerPool struct {
	size    int
	jobs    chan Notification
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Notification, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger.With("component", "notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("worker started", "worker", id)
	for {
		select {
		case n := <-wp.jobs:
			wp.deliver(ctx, n)
		case <-ctx.Done():
			wp.logger.Debug("worker shutting down", "worker", id)
			return
		}
	}
}

// Notify queues n without blocking.
func (wp *WorkerPool) Notify(_ context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	select {
	case wp.jobs <- n:
		return nil
	default:
		metrics.NotificationsSent.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Notification {
	return wp.jobs
}

func (wp *WorkerPool) deliver(ctx context.Context, n Notification) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Where("user_id IN ? OR role IN ?", n.Recipients, n.Recipients).
		Find(&subscriptions).Error
	if err != nil {
		wp.logger.Error("failed to fetch subscriptions", "recipients", n.Recipients, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	payload, err := json.Marshal(n)
	if err != nil {
		wp.logger.Error("failed to encode notification", "title", n.Title, "error", err)
		return
	}

	wp.logger.Info("sending notifications", "title", n.Title, "subscriptions", len(subscriptions))
	for _, sub := range subscriptions {
		wp.send(ctx, sub, payload)
	}
}

func (wp *WorkerPool) send(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		wp.logger.Warn("failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		metrics.NotificationsSent.WithLabelValues("expired").Inc()
		wp.logger.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.logger.Error("failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
		return
	}
	metrics.NotificationsSent.WithLabelValues("ok").Inc()
}

// LogSink writes notifications to the log. Used when push is not configured.
type LogSink struct {
	Logger *slog.Logger
}

// Notify logs n.
func (s LogSink) Notify(ctx context.Context, n Notification) error {
	s.Logger.InfoContext(ctx, "notification", "title", n.Title, "message", n.Message, "priority", n.Priority, "recipients", n.Recipients)
	return nil
}
