package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
)

// InMemoryStore keeps every collection in maps guarded by one mutex. Events
// and actions also keep their insertion order.
type InMemoryStore struct {
	mu sync.Mutex

	events     map[string]types.Event
	eventOrder []string
	actions    []types.ActionLogEntry
	exceptions map[string]types.Exception
	approvals  map[string]types.ApprovalRequest
	outbox     map[string]types.Notification
	transfers  map[string]types.BankTransfer
	rdti       map[string]types.RDTIActivity
	packs      map[string]types.BoardPack
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:     make(map[string]types.Event),
		exceptions: make(map[string]types.Exception),
		approvals:  make(map[string]types.ApprovalRequest),
		outbox:     make(map[string]types.Notification),
		transfers:  make(map[string]types.BankTransfer),
		rdti:       make(map[string]types.RDTIActivity),
		packs:      make(map[string]types.BoardPack),
	}
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return ErrDuplicateID
	}
	s.events[ev.ID] = ev
	s.eventOrder = append(s.eventOrder, ev.ID)
	return nil
}

func (s *InMemoryStore) MarkEventProcessed(_ context.Context, id string, at time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Processed {
		return ErrAlreadyProcessed
	}
	at = at.UTC()
	ev.Processed = true
	ev.ProcessedAt = &at
	ev.Error = errText
	s.events[id] = ev
	return nil
}

func (s *InMemoryStore) GetEvent(_ context.Context, id string) (types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return types.Event{}, ErrNotFound
	}
	return ev, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.Event{}
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if !filter.Match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendAction(_ context.Context, entry types.ActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.actions {
		if existing.ID == entry.ID {
			return ErrDuplicateID
		}
		if entry.Sequence > 0 && existing.Sequence == entry.Sequence {
			return ErrSequenceConflict
		}
	}
	s.actions = append(s.actions, entry)
	return nil
}

func (s *InMemoryStore) LastAction(_ context.Context) (types.ActionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last types.ActionLogEntry
	found := false
	for _, e := range s.actions {
		if e.Sequence > 0 && (!found || e.Sequence > last.Sequence) {
			last, found = e, true
		}
	}
	if !found {
		return types.ActionLogEntry{}, ErrNotFound
	}
	return last, nil
}

func (s *InMemoryStore) ListActions(_ context.Context, filter ActionFilter) ([]types.ActionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.ActionLogEntry{}
	for _, e := range s.actions {
		if !filter.Match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) PutException(_ context.Context, ex types.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions[ex.ID] = ex
	return nil
}

func (s *InMemoryStore) ListExceptions(_ context.Context, filter ExceptionFilter) ([]types.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.Exception{}
	for _, ex := range s.exceptions {
		if filter.Match(ex) {
			out = append(out, ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PutApproval(_ context.Context, req types.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[req.ID] = req
	return nil
}

func (s *InMemoryStore) GetApproval(_ context.Context, id string) (types.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return types.ApprovalRequest{}, ErrNotFound
	}
	return req, nil
}

func (s *InMemoryStore) DecideApproval(_ context.Context, d ApprovalDecision) (types.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[d.ID]
	if !ok {
		return types.ApprovalRequest{}, ErrNotFound
	}
	next, err := d.Apply(req)
	if err != nil {
		return req, err
	}
	s.approvals[d.ID] = next
	return next, nil
}

func (s *InMemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]types.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.ApprovalRequest{}
	for _, req := range s.approvals {
		if filter.Match(req) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PutNotification(_ context.Context, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[n.ID] = n
	return nil
}

func (s *InMemoryStore) GetNotification(_ context.Context, id string) (types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.outbox[id]
	if !ok {
		return types.Notification{}, ErrNotFound
	}
	return n, nil
}

func (s *InMemoryStore) ListNotificationsDue(_ context.Context, now time.Time, limit int) ([]types.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.Notification{}
	for _, n := range s.outbox {
		if n.Status != types.NotificationPending {
			continue
		}
		if n.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutTransfer(_ context.Context, t types.BankTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[t.ID] = t
	return nil
}

func (s *InMemoryStore) ListTransfers(_ context.Context, transactionID string) ([]types.BankTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.BankTransfer{}
	for _, t := range s.transfers {
		if transactionID == "" || t.TransactionID == transactionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PutRDTIActivity(_ context.Context, a types.RDTIActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rdti[a.ID] = a
	return nil
}

func (s *InMemoryStore) ListRDTIActivities(_ context.Context, quarter string) ([]types.RDTIActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.RDTIActivity{}
	for _, a := range s.rdti {
		if quarter == "" || a.Quarter == quarter {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PutBoardPack(_ context.Context, pack types.BoardPack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[pack.Period] = pack
	return nil
}

func (s *InMemoryStore) GetBoardPack(_ context.Context, period string) (types.BoardPack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pack, ok := s.packs[period]
	if !ok {
		return types.BoardPack{}, ErrNotFound
	}
	return pack, nil
}
var _ Store = (*InMemoryStore)(nil)
