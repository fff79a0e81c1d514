// Package agent holds the capability set shared by every financial agent.
// Concrete agents embed *Base and add their own handlers.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
)

var (
	// ErrProcessing wraps any failure inside an agent's item handling.
	ErrProcessing     = errors.New("agent: processing failed")
	ErrNotInitialized = errors.New("agent: not initialized")
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// Agent is what the orchestrator registry holds.
type Agent interface {
	Name() string
	Initialize(ctx context.Context) error
	Metrics(ctx context.Context) (types.AgentMetrics, error)
	Health() Health
}

type Health struct {
	Agent          string        `json:"agent_name"`
	Status         Status        `json:"status"`
	Uptime         time.Duration `json:"uptime"`
	ItemsProcessed int64         `json:"items_processed"`
	Errors         int64         `json:"errors"`
	LastError      string        `json:"last_error,omitempty"`
}

// Healthy reports whether the agent finished initialization without error.
func (h Health) Healthy() bool {
	return h.Status == StatusReady
}

// Notifier relays a message to the notification sink. *notify.Outbox
// satisfies it.
type Notifier interface {
	Send(ctx context.Context, channel, message string, buttons []types.ActionButton) (types.Notification, error)
}

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultApprovalTimeout = 24 * time.Hour
)

// ApprovalOutcome is the result of waiting on an approval request. A timeout
// is an outcome, not an error.
type ApprovalOutcome struct {
	Approved        bool
	ApprovedBy      string
	RejectionReason string
	Request         types.ApprovalRequest
}

const ReasonApprovalTimeout = "approval_timeout"

// Handler processes one event payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Routable agents expose their event handlers by method name.
type Routable interface {
	Handlers() map[string]Handler
}

// TaskParams carry the schedule context into a task.
type TaskParams struct {
	Date    time.Time
	Period  string
	Quarter string
}

// Task is one scheduled method. The returned value summarises the run.
type Task func(ctx context.Context, params TaskParams) (any, error)

// Scheduled agents expose their periodic tasks by name.
type Scheduled interface {
	Tasks() map[string]Task
}

// Handle adapts a typed handler to Handler, dropping its result.
func Handle[R any](fn func(context.Context, json.RawMessage) (R, error)) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		_, err := fn(ctx, payload)
		return err
	}
}
