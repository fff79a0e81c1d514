// Package receipts codes incoming bills, receipts and e-invoices to an
// expense account and tax code.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

const Name = "receipt_coding"

const ActionPostBill = "post_bill"

const (
	StatusAutoPosted        = "auto_posted"
	StatusApprovalRequested = "approval_requested"
	StatusPosted            = "posted"
	StatusRejected          = "rejected"
	StatusTimedOut          = "timed_out"
)

const staleApprovalAge = 7 * 24 * time.Hour

type Result struct {
	BillID     string  `json:"bill_id"`
	Status     string  `json:"status"`
	Coding     Coding  `json:"coding"`
	Threshold  float64 `json:"threshold"`
	ApprovalID string  `json:"approval_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type Agent struct {
	*agent.Base
	bills source.Bills

	autoPosted atomic.Int64
	proposed   atomic.Int64
}

func New(deps agent.Deps, bills source.Bills) *Agent {
	return &Agent{Base: agent.NewBase(Name, deps), bills: bills}
}

func (a *Agent) Initialize(ctx context.Context) error {
	if a.bills == nil {
		return fmt.Errorf("%w: %s: bill source is required", agent.ErrNotInitialized, Name)
	}
	return a.Base.Initialize(ctx)
}

// HandleBillReceived codes a supplier bill or emailed receipt.
func (a *Agent) HandleBillReceived(ctx context.Context, payload json.RawMessage) (Result, error) {
	bill, err := decode(payload)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, bill.ID, err)
	}
	if bill.Source == "" {
		bill.Source = types.BillSourceBill
	}
	return a.Code(ctx, bill)
}

// HandleEInvoiceReceived codes an e-invoice against the stricter threshold.
func (a *Agent) HandleEInvoiceReceived(ctx context.Context, payload json.RawMessage) (Result, error) {
	bill, err := decode(payload)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, bill.ID, err)
	}
	bill.Source = types.BillSourceEInvoice
	return a.Code(ctx, bill)
}

func decode(payload json.RawMessage) (types.Bill, error) {
	var bill types.Bill
	if err := json.Unmarshal(payload, &bill); err != nil {
		return types.Bill{ID: "unknown"}, fmt.Errorf("decode bill: %w", err)
	}
	if bill.ID == "" {
		return types.Bill{ID: "unknown"}, errors.New("bill has no id")
	}
	return bill, nil
}

// Code classifies the bill and either posts it or proposes the coding for
// approval. A matching human_signoff rule always forces approval.
func (a *Agent) Code(ctx context.Context, bill types.Bill) (Result, error) {
	if err := a.Ready(); err != nil {
		return Result{}, err
	}
	a.RecordProcessed()

	p := a.Policy()
	coding := Classify(p, bill)
	threshold := PostingThreshold(p, bill)
	md := metadata(bill, coding)
	check := a.CheckApprovalRequired(ActionPostBill, md)

	res := Result{BillID: bill.ID, Coding: coding, Threshold: threshold}

	if coding.Confidence >= threshold && check.Type != policy.TypeHumanSignoff {
		if err := a.post(ctx, bill, coding, "auto_post_bill", nil); err != nil {
			return Result{}, a.HandleProcessingError(ctx, bill.ID, err)
		}
		a.RecordAutoAction()
		a.autoPosted.Add(1)
		res.Status = StatusAutoPosted
		return res, nil
	}

	approvalType := types.ApprovalPropose
	if check.Required && check.Type == policy.TypeHumanSignoff {
		approvalType = types.ApprovalHumanSignoff
	}
	reason := "low_confidence"
	if coding.Confidence >= threshold {
		reason = check.Reason
	}
	md["reason"] = reason

	req, err := a.RequestApproval(ctx, ActionPostBill, md, approvalType)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, bill.ID, err)
	}
	if _, err := a.LogAgentAction(ctx, "coding_proposed", bill.ID, map[string]any{
		"approval_id": req.ID,
		"account":     coding.Account,
		"confidence":  coding.Confidence,
		"threshold":   threshold,
		"reason":      reason,
	}); err != nil {
		a.Logger().Warn("action log failed", "item_id", bill.ID, "error", err)
	}
	a.proposed.Add(1)

	res.Status = StatusApprovalRequested
	res.ApprovalID = req.ID
	res.Reason = reason
	return res, nil
}

func metadata(bill types.Bill, c Coding) map[string]any {
	md := map[string]any{
		"bill_id":     bill.ID,
		"vendor":      bill.Supplier,
		"description": bill.Description,
		"reference":   bill.Reference,
		"amount":      bill.Amount.Abs().StringFixed(2),
		"source":      bill.Source,
		"account":     c.Account,
		"tax_code":    c.TaxCode,
		"confidence":  c.Confidence,
		"coding":      c.Source,
	}
	if len(c.Tracking) > 0 {
		tracking := make(map[string]any, len(c.Tracking))
		for k, v := range c.Tracking {
			tracking[k] = v
		}
		md["tracking"] = tracking
	}
	return md
}

func (a *Agent) post(ctx context.Context, bill types.Bill, c Coding, action string, extra map[string]any) error {
	bill.Account = c.Account
	bill.TaxCode = c.TaxCode
	bill.Tracking = c.Tracking
	bill.Posted = true
	if err := a.bills.PutBill(ctx, bill); err != nil {
		return fmt.Errorf("write back bill: %w", err)
	}
	fields := map[string]any{
		"account":    c.Account,
		"tax_code":   c.TaxCode,
		"confidence": c.Confidence,
		"coding":     c.Source,
		"amount":     bill.Amount.Abs().StringFixed(2),
	}
	for k, v := range extra {
		fields[k] = v
	}
	_, err := a.LogAgentAction(ctx, action, bill.ID, fields)
	return err
}

// ResolveApproval waits for a posting proposal to be decided and applies it
// when approved. A zero timeout uses the agent default.
func (a *Agent) ResolveApproval(ctx context.Context, approvalID string, timeout time.Duration) (Result, error) {
	out, err := a.WaitForApproval(ctx, approvalID, timeout)
	if err != nil {
		return Result{}, err
	}
	req := out.Request
	billID, _ := req.Metadata["bill_id"].(string)
	res := Result{BillID: billID, ApprovalID: approvalID}

	if !out.Approved {
		res.Status = StatusRejected
		if out.RejectionReason == agent.ReasonApprovalTimeout {
			res.Status = StatusTimedOut
		}
		res.Reason = out.RejectionReason
		if _, err := a.LogAgentAction(ctx, "coding_rejected", billID, map[string]any{
			"approval_id": approvalID,
			"reason":      out.RejectionReason,
		}); err != nil {
			a.Logger().Warn("action log failed", "item_id", billID, "error", err)
		}
		return res, nil
	}

	bill, err := a.bills.GetBill(ctx, billID)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, billID, err)
	}
	coding := codingFrom(req.Metadata)
	if err := a.post(ctx, bill, coding, "approved_post_bill", map[string]any{
		"approval_id": approvalID,
		"approved_by": out.ApprovedBy,
	}); err != nil {
		return Result{}, a.HandleProcessingError(ctx, billID, err)
	}
	res.Status = StatusPosted
	res.Coding = coding
	return res, nil
}

func codingFrom(md map[string]any) Coding {
	c := Coding{}
	c.Account, _ = md["account"].(string)
	c.TaxCode, _ = md["tax_code"].(string)
	c.Source, _ = md["coding"].(string)
	switch v := md["confidence"].(type) {
	case float64:
		c.Confidence = v
	case json.Number:
		c.Confidence, _ = v.Float64()
	}
	if tr, ok := md["tracking"].(map[string]any); ok {
		c.Tracking = make(map[string]string, len(tr))
		for k, v := range tr {
			if s, ok := v.(string); ok {
				c.Tracking[k] = s
			}
		}
	}
	return c
}

// ComplianceCheck notifies about posting proposals left pending for more
// than a week and returns how many there are.
func (a *Agent) ComplianceCheck(ctx context.Context) (int, error) {
	if err := a.Ready(); err != nil {
		return 0, err
	}
	stale, err := a.Store().ListApprovals(ctx, ledger.ApprovalFilter{
		Agent:         Name,
		Status:        types.ApprovalPending,
		CreatedBefore: a.Now().Add(-staleApprovalAge),
	})
	if err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		msg := fmt.Sprintf("%d bill coding proposal(s) pending for more than 7 days", len(stale))
		if _, err := a.Notify(ctx, msg, []types.ActionButton{{Text: "Review approvals", Action: "list_approvals:" + Name}}); err != nil {
			a.Logger().Warn("notification failed", "error", err)
		}
	}
	return len(stale), nil
}

func (a *Agent) Metrics(ctx context.Context) (types.AgentMetrics, error) {
	m, err := a.BaseMetrics(ctx)
	if err != nil {
		return m, err
	}
	pending, err := a.Store().ListApprovals(ctx, ledger.ApprovalFilter{Agent: Name, Status: types.ApprovalPending})
	if err != nil {
		return m, err
	}
	m.Values["auto_posted"] = float64(a.autoPosted.Load())
	m.Values["proposed"] = float64(a.proposed.Load())
	m.Values["approvals_pending"] = float64(len(pending))
	return m, nil
}

const (
	MethodBillReceived     = "bill_received"
	MethodEInvoiceReceived = "einvoice_received"
	TaskComplianceCheck    = "compliance_check"
)

func (a *Agent) Handlers() map[string]agent.Handler {
	return map[string]agent.Handler{
		MethodBillReceived:     agent.Handle(a.HandleBillReceived),
		MethodEInvoiceReceived: agent.Handle(a.HandleEInvoiceReceived),
	}
}

func (a *Agent) Tasks() map[string]agent.Task {
	return map[string]agent.Task{
		TaskComplianceCheck: func(ctx context.Context, _ agent.TaskParams) (any, error) {
			return a.ComplianceCheck(ctx)
		},
	}
}

var (
	_ agent.Agent     = (*Agent)(nil)
	_ agent.Routable  = (*Agent)(nil)
	_ agent.Scheduled = (*Agent)(nil)
)
