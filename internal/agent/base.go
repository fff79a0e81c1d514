package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/finagent/internal/audit"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/metrics"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/pkg/types"
)

// Deps are the collaborators injected into every agent.
type Deps struct {
	Policy   *policy.Policy
	Store    ledger.Store
	Audit    *audit.Log
	Notifier Notifier
	Logger   *slog.Logger
	Clock    func() time.Time

	// PollInterval and ApprovalTimeout bound WaitForApproval.
	PollInterval    time.Duration
	ApprovalTimeout time.Duration
}

// Base implements the shared capabilities. It is safe for concurrent use once
// initialized; the policy is copied at Initialize and never changed.
type Base struct {
	name string
	deps Deps

	mu        sync.RWMutex
	status    Status
	policy    policy.Policy
	startedAt time.Time
	lastError string

	processed   atomic.Int64
	errors      atomic.Int64
	autoActions atomic.Int64
}

func NewBase(name string, deps Deps) *Base {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	if deps.ApprovalTimeout <= 0 {
		deps.ApprovalTimeout = DefaultApprovalTimeout
	}
	deps.Logger = deps.Logger.With("agent", name)
	if deps.Audit == nil && deps.Store != nil {
		deps.Audit = audit.New(deps.Store, audit.WithLogger(deps.Logger), audit.WithClock(deps.Clock))
	}
	return &Base{name: name, deps: deps, status: StatusInitializing}
}

func (b *Base) Name() string { return b.name }

// Initialize binds the policy. An agent without a policy or a store must not
// run, so either missing is an error and leaves the agent in StatusError.
func (b *Base) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deps.Policy == nil || b.deps.Store == nil {
		b.status = StatusError
		b.lastError = "policy and store are required"
		return fmt.Errorf("%w: %s: policy and store are required", ErrNotInitialized, b.name)
	}
	b.policy = *b.deps.Policy
	b.startedAt = b.deps.Clock()
	b.status = StatusReady
	b.deps.Logger.Info("agent initialized", "policy_version", b.policy.Version)
	return nil
}

// Ready returns ErrNotInitialized until Initialize has succeeded.
func (b *Base) Ready() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.status != StatusReady {
		return fmt.Errorf("%w: %s", ErrNotInitialized, b.name)
	}
	return nil
}

func (b *Base) Policy() policy.Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.policy
}

func (b *Base) Store() ledger.Store { return b.deps.Store }
func (b *Base) Logger() *slog.Logger { return b.deps.Logger }
func (b *Base) Now() time.Time { return b.deps.Clock().UTC() }
func (b *Base) AuditLog() *audit.Log { return b.deps.Audit }
func (b *Base) PollInterval() time.Duration { return b.deps.PollInterval }

// RecordProcessed counts one handled item.
func (b *Base) RecordProcessed() { b.processed.Add(1) }

// RecordAutoAction counts one decision taken without a human.
func (b *Base) RecordAutoAction() { b.autoActions.Add(1) }

// LogAgentAction writes one action log entry. Durable store failures are
// absorbed by the audit log.
func (b *Base) LogAgentAction(ctx context.Context, action, itemID string, fields map[string]any) (types.ActionLogEntry, error) {
	if b.deps.Audit == nil {
		return types.ActionLogEntry{}, fmt.Errorf("%w: %s", ErrNotInitialized, b.name)
	}
	entry, err := b.deps.Audit.Append(ctx, types.ActionLogEntry{
		Agent:     b.name,
		Timestamp: b.Now(),
		Action:    action,
		ItemID:    itemID,
		Fields:    fields,
	})
	if err != nil {
		return types.ActionLogEntry{}, err
	}
	metrics.AgentActions.WithLabelValues(b.name, action).Inc()
	return entry, nil
}

// HandleProcessingError funnels a failed item to a human: an error log entry,
// a processing_error exception and a notification. The returned error wraps
// both ErrProcessing and cause so the orchestrator can record the failure.
func (b *Base) HandleProcessingError(ctx context.Context, itemID string, cause error) error {
	b.errors.Add(1)
	b.mu.Lock()
	b.lastError = cause.Error()
	b.mu.Unlock()
	metrics.ProcessingErrors.WithLabelValues(b.name).Inc()

	b.deps.Logger.Error("processing failed", "item_id", itemID, "error", cause)

	if _, err := b.LogAgentAction(ctx, "processing_error", itemID, map[string]any{"error": cause.Error()}); err != nil {
		b.deps.Logger.Warn("action log failed", "item_id", itemID, "error", err)
	}

	ex, err := b.newException(ctx, itemID, types.ExceptionProcessingError, cause.Error(), types.PriorityHigh, nil, nil)
	if err != nil {
		b.deps.Logger.Warn("exception create failed", "item_id", itemID, "error", err)
	}

	msg := fmt.Sprintf("%s could not process %s: %v", b.name, itemID, cause)
	var buttons []types.ActionButton
	if ex.ID != "" {
		buttons = []types.ActionButton{{Text: "Review", Action: "review_exception:" + ex.ID, Style: "primary"}}
	}
	if _, err := b.Notify(ctx, msg, buttons); err != nil {
		b.deps.Logger.Warn("notification failed", "item_id", itemID, "error", err)
	}

	return fmt.Errorf("%w: %s: item %s: %w", ErrProcessing, b.name, itemID, cause)
}

// CreateManualReviewTask records low confidence work for a human. It is not
// an error path.
func (b *Base) CreateManualReviewTask(ctx context.Context, itemID, reason string, priority types.Priority, payload any) (types.Exception, error) {
	if priority == "" {
		priority = types.PriorityMedium
	}
	return b.newException(ctx, itemID, types.ExceptionManualReview, reason, priority, payload, nil)
}

func (b *Base) CreateException(ctx context.Context, itemID, exceptionType, reason string, payload any, suggestions []types.Suggestion) (types.Exception, error) {
	return b.newException(ctx, itemID, exceptionType, reason, types.PriorityMedium, payload, suggestions)
}

func (b *Base) newException(ctx context.Context, itemID, exceptionType, reason string, priority types.Priority, payload any, suggestions []types.Suggestion) (types.Exception, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return types.Exception{}, fmt.Errorf("marshal exception payload: %w", err)
		}
		raw = data
	}
	ex := types.Exception{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		Agent:       b.name,
		Type:        exceptionType,
		Reason:      reason,
		Priority:    priority,
		Payload:     raw,
		Suggestions: suggestions,
		Status:      types.ExceptionPending,
		CreatedAt:   b.Now(),
	}
	if err := b.deps.Store.PutException(ctx, ex); err != nil {
		return types.Exception{}, err
	}
	return ex, nil
}

func (b *Base) CheckApprovalRequired(action string, metadata map[string]any) policy.ApprovalCheck {
	return policy.CheckApprovalRequired(b.Policy(), action, metadata)
}

func (b *Base) EvaluateRule(rule, action string, metadata map[string]any) bool {
	return policy.EvaluateRule(b.Policy(), rule, action, metadata)
}

// RequestApproval persists a pending request and notifies with
// Approve/Reject/Explain buttons.
func (b *Base) RequestApproval(ctx context.Context, action string, metadata map[string]any, approvalType types.ApprovalType) (types.ApprovalRequest, error) {
	if approvalType == "" {
		approvalType = types.ApprovalPropose
	}
	now := b.Now()
	req := types.ApprovalRequest{
		ID:           uuid.NewString(),
		Agent:        b.name,
		Action:       action,
		Metadata:     metadata,
		ApprovalType: approvalType,
		Status:       types.ApprovalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.deps.Store.PutApproval(ctx, req); err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("persist approval: %w", err)
	}
	metrics.ApprovalsRequested.WithLabelValues(b.name, string(approvalType)).Inc()

	if _, err := b.LogAgentAction(ctx, "approval_requested", req.ID, map[string]any{
		"action":        action,
		"approval_type": string(approvalType),
	}); err != nil {
		b.deps.Logger.Warn("action log failed", "approval_id", req.ID, "error", err)
	}

	msg := fmt.Sprintf("%s requests approval for %s (%s)", b.name, action, approvalType)
	buttons := []types.ActionButton{
		{Text: "Approve", Action: "approve:" + req.ID, Style: "primary"},
		{Text: "Reject", Action: "reject:" + req.ID, Style: "danger"},
		{Text: "Explain", Action: "explain:" + req.ID},
	}
	if _, err := b.Notify(ctx, msg, buttons); err != nil {
		b.deps.Logger.Warn("notification failed", "approval_id", req.ID, "error", err)
	}
	return req, nil
}

// WaitForApproval polls the request at the poll interval until it is decided
// or timeout elapses. A zero timeout uses the configured default. Timing out
// yields an unapproved outcome with reason approval_timeout; cancelling ctx
// returns ctx's error.
func (b *Base) WaitForApproval(ctx context.Context, approvalID string, timeout time.Duration) (ApprovalOutcome, error) {
	if timeout <= 0 {
		timeout = b.deps.ApprovalTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(b.deps.PollInterval)
	defer ticker.Stop()

	var last types.ApprovalRequest
	for {
		req, err := b.deps.Store.GetApproval(waitCtx, approvalID)
		switch {
		case err == nil:
			last = req
			switch req.Status {
			case types.ApprovalApproved:
				return ApprovalOutcome{Approved: true, ApprovedBy: req.ApprovedBy, Request: req}, nil
			case types.ApprovalRejected:
				return ApprovalOutcome{RejectionReason: req.RejectionReason, Request: req}, nil
			}
		case waitCtx.Err() == nil:
			return ApprovalOutcome{}, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ApprovalOutcome{}, ctx.Err()
			}
			b.deps.Logger.Info("approval timed out", "approval_id", approvalID, "timeout", timeout)
			return ApprovalOutcome{RejectionReason: ReasonApprovalTimeout, Request: last}, nil
		case <-ticker.C:
		}
	}
}

// GetExceptionCount counts this agent's pending exceptions of one type. An
// empty type counts all of them.
func (b *Base) GetExceptionCount(ctx context.Context, exceptionType string) (int, error) {
	list, err := b.deps.Store.ListExceptions(ctx, ledger.ExceptionFilter{
		Agent:  b.name,
		Type:   exceptionType,
		Status: types.ExceptionPending,
	})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Notify sends to the policy's notification channel.
func (b *Base) Notify(ctx context.Context, message string, buttons []types.ActionButton) (types.Notification, error) {
	if b.deps.Notifier == nil {
		b.deps.Logger.Info("notification dropped, no notifier", "message", message)
		return types.Notification{}, nil
	}
	return b.deps.Notifier.Send(ctx, b.Policy().Notifications.Channel, message, buttons)
}

// BaseMetrics fills the fields every agent reports.
func (b *Base) BaseMetrics(ctx context.Context) (types.AgentMetrics, error) {
	pending, err := b.GetExceptionCount(ctx, "")
	if err != nil {
		return types.AgentMetrics{}, err
	}
	m := types.AgentMetrics{
		Agent:          b.name,
		ItemsProcessed: b.processed.Load(),
		Errors:         b.errors.Load(),
		AutoActions:    b.autoActions.Load(),
		Exceptions:     pending,
		Values:         map[string]float64{},
		Labels:         map[string]string{},
	}
	if m.ItemsProcessed > 0 {
		m.AutomationRate = float64(m.AutoActions) / float64(m.ItemsProcessed)
	}
	return m, nil
}

// Metrics is the default metrics snapshot; agents with domain values override it.
func (b *Base) Metrics(ctx context.Context) (types.AgentMetrics, error) {
	return b.BaseMetrics(ctx)
}

func (b *Base) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := Health{
		Agent:          b.name,
		Status:         b.status,
		ItemsProcessed: b.processed.Load(),
		Errors:         b.errors.Load(),
		LastError:      b.lastError,
	}
	if !b.startedAt.IsZero() {
		h.Uptime = b.deps.Clock().Sub(b.startedAt)
	}
	return h
}

var _ Agent = (*Base)(nil)
