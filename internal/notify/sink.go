// Package notify relays notifications to the external messaging sink
// through a durable outbox.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/davidahmann/finagent/pkg/types"
)

// Sink delivers one message. It is the boundary to Slack, email and the like.
type Sink interface {
	Send(ctx context.Context, channel, message string, buttons []types.ActionButton) error
}

// LogSink writes notifications to a structured logger. It is the sink used
// when no messaging integration is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(_ context.Context, channel, message string, buttons []types.ActionButton) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actions := make([]string, 0, len(buttons))
	for _, b := range buttons {
		actions = append(actions, b.Text)
	}
	logger.Info("notification", "channel", channel, "message", message, "actions", actions)
	return nil
}

type Delivery struct {
	Channel string
	Message string
	Buttons []types.ActionButton
}

// MemorySink records deliveries. Err, when set, fails every send.
type MemorySink struct {
	mu         sync.Mutex
	deliveries []Delivery
	Err        error
}

func (s *MemorySink) Send(_ context.Context, channel, message string, buttons []types.ActionButton) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.deliveries = append(s.deliveries, Delivery{Channel: channel, Message: message, Buttons: buttons})
	return nil
}

func (s *MemorySink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *MemorySink) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}
