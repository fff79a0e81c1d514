package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestInMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	require.NoError(t, s.AppendEvent(ctx, types.Event{ID: "e1", Type: "xero:bill_created", Payload: []byte(`{}`), Timestamp: t0}))
	require.NoError(t, s.AppendEvent(ctx, types.Event{ID: "e2", Type: "einvoice:received", Payload: []byte(`{}`), Timestamp: t0}))
	require.ErrorIs(t, s.AppendEvent(ctx, types.Event{ID: "e1"}), ErrDuplicateID)

	require.NoError(t, s.MarkEventProcessed(ctx, "e1", t0.Add(time.Second), "boom"))
	require.ErrorIs(t, s.MarkEventProcessed(ctx, "e1", t0.Add(2*time.Second), ""), ErrAlreadyProcessed)
	require.ErrorIs(t, s.MarkEventProcessed(ctx, "missing", t0, ""), ErrNotFound)

	ev, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.Equal(t, "boom", ev.Error)
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, t0.Add(time.Second), *ev.ProcessedAt)

	unprocessed := false
	list, err := s.ListEvents(ctx, EventFilter{Processed: &unprocessed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "e2", list[0].ID)

	all, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, []string{all[0].ID, all[1].ID})
}

func TestInMemoryStoreActions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	require.NoError(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a1", Agent: "bank", Action: "auto_match", ItemID: "tx1"}))
	require.NoError(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a2", Agent: "receipts", Action: "auto_post", ItemID: "b1"}))
	require.NoError(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a3", Agent: "bank", Action: "exception_created", ItemID: "tx2"}))
	require.ErrorIs(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a1"}), ErrDuplicateID)

	got, err := s.ListActions(ctx, ActionFilter{Agent: "bank"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a3", got[1].ID)

	got, err = s.ListActions(ctx, ActionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestInMemoryStoreActionSequenceIsUnique(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.LastAction(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a1", Agent: "bank", Action: "auto_match", Sequence: 1, Digest: "sha256:a1"}))
	require.NoError(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a2", Agent: "bank", Action: "auto_match", Sequence: 2, Digest: "sha256:a2"}))
	require.ErrorIs(t, s.AppendAction(ctx, types.ActionLogEntry{ID: "a3", Agent: "receipts", Action: "auto_post", Sequence: 2}), ErrSequenceConflict)

	last, err := s.LastAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", last.ID)
	assert.Equal(t, uint64(2), last.Sequence)
}

func TestInMemoryStoreApprovalsDecideOnce(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	req := types.ApprovalRequest{ID: "ap1", Agent: "receipts", Action: "post_bill", Status: types.ApprovalPending, CreatedAt: t0}
	require.NoError(t, s.PutApproval(ctx, req))
	require.NoError(t, s.PutApproval(ctx, types.ApprovalRequest{ID: "ap2", Agent: "receipts", Status: types.ApprovalPending, CreatedAt: t0.Add(48 * time.Hour)}))

	decided, err := s.DecideApproval(ctx, ApprovalDecision{ID: "ap1", Approved: true, By: "sam", At: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, decided.Status)
	assert.Equal(t, "sam", decided.ApprovedBy)

	_, err = s.DecideApproval(ctx, ApprovalDecision{ID: "ap1", Approved: false, Reason: "late"})
	require.ErrorIs(t, err, ErrApprovalDecided)
	_, err = s.DecideApproval(ctx, ApprovalDecision{ID: "nope"})
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := s.ListApprovals(ctx, ApprovalFilter{Status: types.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ap2", pending[0].ID)

	stale, err := s.ListApprovals(ctx, ApprovalFilter{Status: types.ApprovalPending, CreatedBefore: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestInMemoryStoreExceptionsAndOutbox(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	require.NoError(t, s.PutException(ctx, types.Exception{ID: "x1", Agent: "bank", Type: types.ExceptionBankMatching, Status: types.ExceptionPending, CreatedAt: t0}))
	require.NoError(t, s.PutException(ctx, types.Exception{ID: "x2", Agent: "bank", Type: types.ExceptionProcessingError, Status: types.ExceptionResolved, CreatedAt: t0}))

	got, err := s.ListExceptions(ctx, ExceptionFilter{Agent: "bank", Status: types.ExceptionPending})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x1", got[0].ID)

	require.NoError(t, s.PutNotification(ctx, types.Notification{ID: "n1", Status: types.NotificationPending, NextAttemptAt: t0, CreatedAt: t0}))
	require.NoError(t, s.PutNotification(ctx, types.Notification{ID: "n2", Status: types.NotificationPending, NextAttemptAt: t0.Add(time.Hour), CreatedAt: t0}))
	require.NoError(t, s.PutNotification(ctx, types.Notification{ID: "n3", Status: types.NotificationSent, NextAttemptAt: t0, CreatedAt: t0}))

	due, err := s.ListNotificationsDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n1", due[0].ID)
}

func TestInMemoryStoreDomainCollections(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	require.NoError(t, s.PutTransfer(ctx, types.BankTransfer{ID: "t1", TransactionID: "tx1", Amount: decimal.NewFromInt(500), CreatedAt: t0}))
	transfers, err := s.ListTransfers(ctx, "tx1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	require.NoError(t, s.PutRDTIActivity(ctx, types.RDTIActivity{ID: "r1", Quarter: "2026-Q1", CreatedAt: t0}))
	require.NoError(t, s.PutRDTIActivity(ctx, types.RDTIActivity{ID: "r2", Quarter: "2026-Q2", CreatedAt: t0}))
	q1, err := s.ListRDTIActivities(ctx, "2026-Q1")
	require.NoError(t, err)
	require.Len(t, q1, 1)

	require.NoError(t, s.PutBoardPack(ctx, types.BoardPack{ID: "bp1", Period: "2026-02", HealthScore: 80}))
	pack, err := s.GetBoardPack(ctx, "2026-02")
	require.NoError(t, err)
	assert.Equal(t, 80, pack.HealthScore)
	_, err = s.GetBoardPack(ctx, "2026-03")
	require.ErrorIs(t, err, ErrNotFound)
}
