package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	// ErrAlreadyProcessed is returned when an event's processed flag is set twice.
	ErrAlreadyProcessed = errors.New("ledger: event already processed")
	// ErrApprovalDecided is returned when a terminal approval is decided again.
	ErrApprovalDecided = errors.New("ledger: approval already decided")
	ErrDuplicateID     = errors.New("ledger: duplicate id")
	// ErrSequenceConflict is returned when another writer already holds an
	// action log sequence number.
	ErrSequenceConflict = errors.New("ledger: action sequence taken")
)

// Store is the durable side of the core: the event log, the action log and
// the named collections agents read and write. Events and actions are
// append-only.
type Store interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	MarkEventProcessed(ctx context.Context, id string, at time.Time, errText string) error
	GetEvent(ctx context.Context, id string) (types.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]types.Event, error)

	AppendAction(ctx context.Context, entry types.ActionLogEntry) error
	ListActions(ctx context.Context, filter ActionFilter) ([]types.ActionLogEntry, error)
	// LastAction returns the entry with the highest sequence, or ErrNotFound.
	LastAction(ctx context.Context) (types.ActionLogEntry, error)

	PutException(ctx context.Context, ex types.Exception) error
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]types.Exception, error)

	PutApproval(ctx context.Context, req types.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (types.ApprovalRequest, error)
	DecideApproval(ctx context.Context, decision ApprovalDecision) (types.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]types.ApprovalRequest, error)

	PutNotification(ctx context.Context, n types.Notification) error
	GetNotification(ctx context.Context, id string) (types.Notification, error)
	ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]types.Notification, error)

	PutTransfer(ctx context.Context, t types.BankTransfer) error
	ListTransfers(ctx context.Context, transactionID string) ([]types.BankTransfer, error)

	PutRDTIActivity(ctx context.Context, a types.RDTIActivity) error
	ListRDTIActivities(ctx context.Context, quarter string) ([]types.RDTIActivity, error)

	PutBoardPack(ctx context.Context, pack types.BoardPack) error
	GetBoardPack(ctx context.Context, period string) (types.BoardPack, error)
}

// EventFilter selects events. Zero values match everything.
type EventFilter struct {
	Type      string
	Processed *bool
	Limit     int
}

// ActionFilter selects action log entries, oldest first.
type ActionFilter struct {
	Agent  string
	Action string
	ItemID string
	Limit  int
}

type ExceptionFilter struct {
	Agent  string
	Type   string
	Status types.ExceptionStatus
}

type ApprovalFilter struct {
	Agent         string
	Status        types.ApprovalStatus
	CreatedBefore time.Time
}

// ApprovalDecision is the single pending → terminal transition.
type ApprovalDecision struct {
	ID       string
	Approved bool
	By       string
	Reason   string
	At       time.Time
}

// Apply transitions req according to d. Terminal requests are rejected with ErrApprovalDecided.
func (d ApprovalDecision) Apply(req types.ApprovalRequest) (types.ApprovalRequest, error) {
	if req.Terminal() {
		return req, ErrApprovalDecided
	}
	at := d.At.UTC()
	if d.Approved {
		req.Status = types.ApprovalApproved
		req.ApprovedBy = d.By
		req.ApprovedAt = &at
	} else {
		req.Status = types.ApprovalRejected
		req.RejectionReason = d.Reason
	}
	req.UpdatedAt = at
	return req, nil
}

func (f ExceptionFilter) Match(ex types.Exception) bool {
	if f.Agent != "" && ex.Agent != f.Agent {
		return false
	}
	if f.Type != "" && ex.Type != f.Type {
		return false
	}
	if f.Status != "" && ex.Status != f.Status {
		return false
	}
	return true
}

func (f ApprovalFilter) Match(req types.ApprovalRequest) bool {
	if f.Agent != "" && req.Agent != f.Agent {
		return false
	}
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if !f.CreatedBefore.IsZero() && !req.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func (f ActionFilter) Match(e types.ActionLogEntry) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ItemID != "" && e.ItemID != f.ItemID {
		return false
	}
	return true
}

func (f EventFilter) Match(ev types.Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Processed != nil && ev.Processed != *f.Processed {
		return false
	}
	return true
}
