package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/metrics"
	"github.com/davidahmann/finagent/pkg/types"
)

const defaultBatch = 25

// Outbox persists every notification before handing it to the sink, and
// retries failed deliveries with exponential backoff.
type Outbox struct {
	store          ledger.Store
	sink           Sink
	limiter        *rate.Limiter
	logger         *slog.Logger
	now            func() time.Time
	defaultChannel string
}

type Option func(*Outbox)

// WithRateLimit bounds sink calls to perSecond with the given burst.
// perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Outbox) {
		if perSecond <= 0 {
			o.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaultChannel sets the channel used when a caller passes none.
func WithDefaultChannel(channel string) Option {
	return func(o *Outbox) { o.defaultChannel = channel }
}

func NewOutbox(store ledger.Store, sink Sink, opts ...Option) *Outbox {
	o := &Outbox{
		store:   store,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue appends a pending notification without delivering it.
func (o *Outbox) Enqueue(ctx context.Context, channel, message string, buttons []types.ActionButton) (types.Notification, error) {
	if o.store == nil {
		return types.Notification{}, fmt.Errorf("missing store")
	}
	if channel == "" {
		channel = o.defaultChannel
	}
	now := o.now().UTC()
	n := types.Notification{
		ID:            uuid.NewString(),
		Channel:       channel,
		Message:       message,
		ActionButtons: buttons,
		Status:        types.NotificationPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.PutNotification(ctx, n); err != nil {
		return types.Notification{}, err
	}
	return n, nil
}

// Send enqueues the notification and attempts delivery immediately. A sink
// failure leaves the record pending for the worker and is not returned.
func (o *Outbox) Send(ctx context.Context, channel, message string, buttons []types.ActionButton) (types.Notification, error) {
	n, err := o.Enqueue(ctx, channel, message, buttons)
	if err != nil {
		return types.Notification{}, err
	}
	return o.deliver(ctx, n, o.now().UTC())
}

// ProcessDue delivers pending notifications whose next attempt is due and
// returns how many it handled.
func (o *Outbox) ProcessDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if o.store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if o.sink == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultBatch
	}

	due, err := o.store.ListNotificationsDue(ctx, now.UTC(), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if n.Status != types.NotificationPending {
			continue
		}
		if _, err := o.deliver(ctx, n, now.UTC()); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (o *Outbox) deliver(ctx context.Context, n types.Notification, now time.Time) (types.Notification, error) {
	if o.sink == nil {
		return n, nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return n, err
	}

	if err := o.sink.Send(ctx, n.Channel, n.Message, n.ActionButtons); err != nil {
		n.NextAttemptAt = now.Add(nextAttempt(n.AttemptCount))
		n.AttemptCount++
		n.LastError = err.Error()
		n.UpdatedAt = now
		metrics.NotificationDeliveries.WithLabelValues("failed").Inc()
		o.logger.Warn("notification delivery failed",
			"notification_id", n.ID,
			"channel", n.Channel,
			"attempt", n.AttemptCount,
			"error", err,
		)
		if perr := o.store.PutNotification(ctx, n); perr != nil {
			return n, errors.Join(err, perr)
		}
		return n, nil
	}

	metrics.NotificationDeliveries.WithLabelValues("sent").Inc()
	sentAt := now
	n.Status = types.NotificationSent
	n.SentAt = &sentAt
	n.UpdatedAt = now
	n.AttemptCount++
	if err := o.store.PutNotification(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, then capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 10 {
		attemptCount = 10
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// Run polls for due notifications until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := o.ProcessDue(ctx, now, defaultBatch); err != nil && ctx.Err() == nil {
				o.logger.Error("outbox pass failed", "error", err)
			}
		}
	}
}
