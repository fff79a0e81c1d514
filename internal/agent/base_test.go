package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/notify"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/pkg/types"
)

type fixture struct {
	base  *Base
	store *ledger.InMemoryStore
	sink  *notify.MemorySink
}

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Version:       1,
		Notifications: policy.NotificationPolicy{Channel: "#finance-test"},
		Approvals: policy.ApprovalTiers{
			Auto:         []policy.ApprovalRule{{ID: "small", Rule: "amount < 100"}},
			HumanSignoff: []policy.ApprovalRule{{ID: "large", Rule: "amount >= 10000"}},
		},
	}
}

func newFixture(t *testing.T, poll time.Duration) fixture {
	t.Helper()
	store := ledger.NewInMemoryStore()
	sink := &notify.MemorySink{}
	outbox := notify.NewOutbox(store, sink)
	base := NewBase("test_agent", Deps{
		Policy:       testPolicy(),
		Store:        store,
		Notifier:     outbox,
		PollInterval: poll,
	})
	require.NoError(t, base.Initialize(context.Background()))
	return fixture{base: base, store: store, sink: sink}
}

func TestInitializeRequiresPolicyAndStore(t *testing.T) {
	b := NewBase("bare", Deps{})
	require.ErrorIs(t, b.Ready(), ErrNotInitialized)

	err := b.Initialize(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, StatusError, b.Health().Status)
	assert.False(t, b.Health().Healthy())

	f := newFixture(t, time.Millisecond)
	require.NoError(t, f.base.Ready())
	assert.True(t, f.base.Health().Healthy())
	assert.Equal(t, "#finance-test", f.base.Policy().Notifications.Channel)
}

func TestAuditLogBoundAtConstruction(t *testing.T) {
	store := ledger.NewInMemoryStore()
	b := NewBase("concurrent_agent", Deps{Policy: testPolicy(), Store: store})
	require.NotNil(t, b.AuditLog())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, b.Initialize(ctx))
	}()
	go func() {
		defer wg.Done()
		_, err := b.LogAgentAction(ctx, "warmup", "item-0", nil)
		assert.NoError(t, err)
	}()
	wg.Wait()

	stored, err := store.ListActions(ctx, ledger.ActionFilter{Agent: "concurrent_agent"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	assert.Nil(t, NewBase("storeless", Deps{}).AuditLog())
}

func TestLogAgentActionWritesRingAndStore(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()

	entry, err := f.base.LogAgentAction(ctx, "auto_match", "txn-1", map[string]any{"confidence": 0.95})
	require.NoError(t, err)
	assert.Equal(t, "test_agent", entry.Agent)
	assert.NotEmpty(t, entry.Digest)

	assert.Len(t, f.base.AuditLog().Recent(10), 1)
	stored, err := f.store.ListActions(ctx, ledger.ActionFilter{ItemID: "txn-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, entry.ID, stored[0].ID)
}

func TestHandleProcessingErrorFunnelsToHuman(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()
	cause := errors.New("source unreachable")

	err := f.base.HandleProcessingError(ctx, "bill-9", cause)
	require.ErrorIs(t, err, ErrProcessing)
	require.ErrorIs(t, err, cause)

	exceptions, lerr := f.store.ListExceptions(ctx, ledger.ExceptionFilter{Type: types.ExceptionProcessingError})
	require.NoError(t, lerr)
	require.Len(t, exceptions, 1)
	assert.Equal(t, "bill-9", exceptions[0].ItemID)
	assert.Equal(t, types.PriorityHigh, exceptions[0].Priority)
	assert.Equal(t, types.ExceptionPending, exceptions[0].Status)

	deliveries := f.sink.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "#finance-test", deliveries[0].Channel)
	assert.Contains(t, deliveries[0].Message, "bill-9")
	require.Len(t, deliveries[0].Buttons, 1)

	actions, lerr := f.store.ListActions(ctx, ledger.ActionFilter{Action: "processing_error"})
	require.NoError(t, lerr)
	assert.Len(t, actions, 1)

	h := f.base.Health()
	assert.EqualValues(t, 1, h.Errors)
	assert.Equal(t, "source unreachable", h.LastError)
}

func TestManualReviewAndExceptionCount(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()

	ex, err := f.base.CreateManualReviewTask(ctx, "txn-2", "no_matches_found", "", map[string]any{"amount": "12.00"})
	require.NoError(t, err)
	assert.Equal(t, types.ExceptionManualReview, ex.Type)
	assert.Equal(t, types.PriorityMedium, ex.Priority)
	assert.JSONEq(t, `{"amount":"12.00"}`, string(ex.Payload))

	_, err = f.base.CreateException(ctx, "txn-3", types.ExceptionBankMatching, "choose", nil,
		[]types.Suggestion{{DocumentID: "inv-1", Confidence: 0.75}})
	require.NoError(t, err)

	n, err := f.base.GetExceptionCount(ctx, types.ExceptionManualReview)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.base.GetExceptionCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCheckApprovalRequiredUsesPolicy(t *testing.T) {
	f := newFixture(t, time.Millisecond)

	got := f.base.CheckApprovalRequired("post_bill", map[string]any{"amount": 50})
	assert.False(t, got.Required)

	got = f.base.CheckApprovalRequired("post_bill", map[string]any{"amount": 20000})
	assert.True(t, got.Required)
	assert.Equal(t, policy.TypeHumanSignoff, got.Type)

	got = f.base.CheckApprovalRequired("post_bill", map[string]any{"amount": 500})
	assert.True(t, got.Required)
	assert.Equal(t, policy.ReasonNoMatchingRule, got.Reason)

	assert.False(t, f.base.EvaluateRule("amount <", "post_bill", map[string]any{"amount": 1}))
}

func TestRequestApprovalNotifiesWithButtons(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()

	req, err := f.base.RequestApproval(ctx, "post_bill", map[string]any{"bill_id": "b-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPropose, req.ApprovalType)
	assert.Equal(t, types.ApprovalPending, req.Status)

	stored, err := f.store.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "post_bill", stored.Action)

	deliveries := f.sink.Deliveries()
	require.Len(t, deliveries, 1)
	var texts []string
	for _, b := range deliveries[0].Buttons {
		texts = append(texts, b.Text)
	}
	assert.Equal(t, []string{"Approve", "Reject", "Explain"}, texts)
}

func TestWaitForApprovalApproved(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond)
	ctx := context.Background()

	req, err := f.base.RequestApproval(ctx, "post_bill", nil, types.ApprovalHumanSignoff)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = f.store.DecideApproval(ctx, ledger.ApprovalDecision{ID: req.ID, Approved: true, By: "cfo", At: time.Now()})
	}()

	out, err := f.base.WaitForApproval(ctx, req.ID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, "cfo", out.ApprovedBy)
}

func TestWaitForApprovalRejected(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond)
	ctx := context.Background()

	req, err := f.base.RequestApproval(ctx, "post_bill", nil, "")
	require.NoError(t, err)
	_, err = f.store.DecideApproval(ctx, ledger.ApprovalDecision{ID: req.ID, Reason: "wrong account", At: time.Now()})
	require.NoError(t, err)

	out, err := f.base.WaitForApproval(ctx, req.ID, time.Second)
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, "wrong account", out.RejectionReason)
}

func TestWaitForApprovalTimesOut(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond)
	ctx := context.Background()

	req, err := f.base.RequestApproval(ctx, "post_bill", nil, "")
	require.NoError(t, err)

	timeout := 60 * time.Millisecond
	start := time.Now()
	out, err := f.base.WaitForApproval(ctx, req.ID, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, ReasonApprovalTimeout, out.RejectionReason)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForApprovalHonoursCancel(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond)
	req, err := f.base.RequestApproval(context.Background(), "post_bill", nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	_, err = f.base.WaitForApproval(ctx, req.ID, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForApprovalUnknownID(t *testing.T) {
	f := newFixture(t, 5*time.Millisecond)
	_, err := f.base.WaitForApproval(context.Background(), "missing", time.Second)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMetricsAutomationRate(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	for i := 0; i < 4; i++ {
		f.base.RecordProcessed()
	}
	f.base.RecordAutoAction()
	f.base.RecordAutoAction()
	f.base.RecordAutoAction()

	m, err := f.base.Metrics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, m.ItemsProcessed)
	assert.InDelta(t, 0.75, m.AutomationRate, 1e-9)
}
