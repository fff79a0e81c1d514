// Package bankrec reconciles bank transactions: internal allocation
// transfers are recorded as transfers, everything else is matched against
// open invoices and bills.
package bankrec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

const Name = "bank_reconciliation"

const (
	StatusTransferProcessed    = "transfer_processed"
	StatusAutoMatched          = "auto_matched"
	StatusExceptionCreated     = "exception_created"
	StatusManualReviewRequired = "manual_review_required"
	StatusAlreadyReconciled    = "already_reconciled"
)

const (
	ReasonNoMatchesFound = "no_matches_found"
	ReasonLowConfidence  = "low_confidence_match"
)

// Sources are the collections the agent reads and writes back.
type Sources interface {
	source.Invoices
	source.Bills
	source.BankAccounts
	source.BankTransactions
}

// Result describes what happened to one transaction.
type Result struct {
	TransactionID string              `json:"transaction_id"`
	Status        string              `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Confidence    float64             `json:"confidence"`
	Match         *types.Suggestion   `json:"match,omitempty"`
	Suggestions   []types.Suggestion  `json:"suggestions,omitempty"`
	Transfer      *types.BankTransfer `json:"transfer,omitempty"`
	ExceptionID   string              `json:"exception_id,omitempty"`
}

type Agent struct {
	*agent.Base
	src     Sources
	matcher Matcher

	autoMatched atomic.Int64
	transfers   atomic.Int64
}

func New(deps agent.Deps, src Sources) *Agent {
	return &Agent{
		Base:    agent.NewBase(Name, deps),
		src:     src,
		matcher: Matcher{Invoices: src, Bills: src},
	}
}

func (a *Agent) Initialize(ctx context.Context) error {
	if a.src == nil {
		return fmt.Errorf("%w: %s: data sources are required", agent.ErrNotInitialized, Name)
	}
	return a.Base.Initialize(ctx)
}

// HandleTransactionCreated reconciles a newly created bank transaction.
func (a *Agent) HandleTransactionCreated(ctx context.Context, payload json.RawMessage) (Result, error) {
	tx, err := a.decode(payload)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, tx.ID, err)
	}
	return a.Reconcile(ctx, tx)
}

// HandleTransactionUpdated re-runs reconciliation unless the transaction is
// already matched or recorded as a transfer.
func (a *Agent) HandleTransactionUpdated(ctx context.Context, payload json.RawMessage) (Result, error) {
	tx, err := a.decode(payload)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, tx.ID, err)
	}
	existing, err := a.src.GetTransaction(ctx, tx.ID)
	switch {
	case err == nil:
		if existing.Status == types.TxnStatusMatched || existing.Status == types.TxnStatusProcessed {
			a.Logger().Info("transaction already reconciled", "item_id", tx.ID, "status", existing.Status)
			return Result{TransactionID: tx.ID, Status: StatusAlreadyReconciled, Confidence: existing.Confidence}, nil
		}
	case !errors.Is(err, source.ErrNotFound):
		return Result{}, a.HandleProcessingError(ctx, tx.ID, err)
	}
	return a.Reconcile(ctx, tx)
}

func (a *Agent) decode(payload json.RawMessage) (types.BankTransaction, error) {
	var tx types.BankTransaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return types.BankTransaction{ID: "unknown"}, fmt.Errorf("decode bank transaction: %w", err)
	}
	if tx.ID == "" {
		return types.BankTransaction{ID: "unknown"}, errors.New("bank transaction has no id")
	}
	return tx, nil
}

// Reconcile runs allocation detection, then either transfer classification
// or the matching cascade, and acts on the outcome.
func (a *Agent) Reconcile(ctx context.Context, tx types.BankTransaction) (Result, error) {
	if err := a.Ready(); err != nil {
		return Result{}, err
	}
	a.RecordProcessed()

	if IsAllocation(tx.Description, tx.Reference) {
		res, err := a.processTransfer(ctx, tx)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, errUnclassifiedTransfer):
			a.Logger().Info("allocation matched no transfer rule, using standard matching", "item_id", tx.ID)
		default:
			return Result{}, a.HandleProcessingError(ctx, tx.ID, err)
		}
	}

	match, err := a.matcher.Match(ctx, tx)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, tx.ID, err)
	}
	res, err := a.decide(ctx, tx, match)
	if err != nil {
		return Result{}, a.HandleProcessingError(ctx, tx.ID, err)
	}
	return res, nil
}

// errUnclassifiedTransfer sends an allocation with no transfer rule back to
// the matching cascade.
var errUnclassifiedTransfer = errors.New("allocation matches no transfer rule")

func (a *Agent) processTransfer(ctx context.Context, tx types.BankTransaction) (Result, error) {
	t, ok := ClassifyTransfer(tx.Description, tx.BankAccount)
	if !ok {
		return Result{}, errUnclassifiedTransfer
	}

	transfer := types.BankTransfer{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		TransferType:  t.Type,
		SourceAccount: t.Source,
		TargetAccount: t.Target,
		Amount:        tx.Amount.Abs(),
		Reason:        t.Reason,
		Status:        types.TxnStatusProcessed,
		CreatedAt:     a.Now(),
	}
	if err := a.Store().PutTransfer(ctx, transfer); err != nil {
		return Result{}, fmt.Errorf("record transfer: %w", err)
	}

	tx.Type = types.TxnTypeTransfer
	tx.Status = types.TxnStatusProcessed
	if err := a.src.PutTransaction(ctx, tx); err != nil {
		return Result{}, fmt.Errorf("update transaction: %w", err)
	}

	if _, err := a.LogAgentAction(ctx, "thriday_transfer_processed", tx.ID, map[string]any{
		"transfer_id":    transfer.ID,
		"transfer_type":  transfer.TransferType,
		"source_account": transfer.SourceAccount,
		"target_account": transfer.TargetAccount,
		"amount":         transfer.Amount.StringFixed(2),
		"reason":         transfer.Reason,
	}); err != nil {
		return Result{}, err
	}
	a.RecordAutoAction()
	a.transfers.Add(1)

	return Result{TransactionID: tx.ID, Status: StatusTransferProcessed, Confidence: 1, Transfer: &transfer}, nil
}

func (a *Agent) decide(ctx context.Context, tx types.BankTransaction, match MatchResult) (Result, error) {
	threshold := a.Policy().Threshold(policy.ThresholdAutoMatchBank)

	if best, ok := match.Best(); ok && match.Confidence >= threshold {
		tx.Status = types.TxnStatusMatched
		tx.MatchedID = best.DocumentID
		tx.MatchType = match.MatchType
		tx.Confidence = match.Confidence
		if err := a.src.PutTransaction(ctx, tx); err != nil {
			return Result{}, fmt.Errorf("persist match: %w", err)
		}
		if _, err := a.LogAgentAction(ctx, "auto_match", tx.ID, map[string]any{
			"document_id":   best.DocumentID,
			"document_type": best.DocumentType,
			"match_type":    match.MatchType,
			"confidence":    match.Confidence,
			"amount":        tx.Amount.Abs().StringFixed(2),
		}); err != nil {
			return Result{}, err
		}
		a.RecordAutoAction()
		a.autoMatched.Add(1)
		return Result{TransactionID: tx.ID, Status: StatusAutoMatched, Confidence: match.Confidence, Match: &best, Suggestions: match.Suggestions}, nil
	}

	if len(match.Suggestions) > 0 {
		ex, err := a.CreateException(ctx, tx.ID, types.ExceptionBankMatching, ReasonLowConfidence, tx, match.Suggestions)
		if err != nil {
			return Result{}, err
		}
		buttons := make([]types.ActionButton, 0, len(match.Suggestions)+1)
		for _, s := range match.Suggestions {
			buttons = append(buttons, types.ActionButton{
				Text:   fmt.Sprintf("Match %s %s", s.DocumentType, s.DocumentID),
				Action: "match:" + tx.ID + ":" + s.DocumentID,
			})
		}
		buttons = append(buttons, types.ActionButton{Text: "Review", Action: "review_exception:" + ex.ID, Style: "primary"})
		msg := fmt.Sprintf("Bank transaction %s (%s, %s) needs a match: %d suggestion(s) at %.2f confidence",
			tx.ID, tx.Description, tx.Amount.StringFixed(2), len(match.Suggestions), match.Confidence)
		if _, err := a.Notify(ctx, msg, buttons); err != nil {
			a.Logger().Warn("notification failed", "item_id", tx.ID, "error", err)
		}
		return Result{TransactionID: tx.ID, Status: StatusExceptionCreated, Reason: ReasonLowConfidence,
			Confidence: match.Confidence, Suggestions: match.Suggestions, ExceptionID: ex.ID}, nil
	}

	ex, err := a.CreateManualReviewTask(ctx, tx.ID, ReasonNoMatchesFound, types.PriorityMedium, tx)
	if err != nil {
		return Result{}, err
	}
	return Result{TransactionID: tx.ID, Status: StatusManualReviewRequired, Reason: ReasonNoMatchesFound, ExceptionID: ex.ID}, nil
}

// UnreconciledSummary counts transactions still waiting for a match.
func (a *Agent) UnreconciledSummary(ctx context.Context) (int, error) {
	if err := a.Ready(); err != nil {
		return 0, err
	}
	list, err := a.src.ListTransactions(ctx, source.TransactionFilter{Status: types.TxnStatusUnreconciled})
	if err != nil {
		return 0, err
	}
	pending, err := a.GetExceptionCount(ctx, types.ExceptionBankMatching)
	if err != nil {
		return 0, err
	}
	if n := len(list) + pending; n > 0 {
		msg := fmt.Sprintf("%d bank transaction(s) unreconciled, %d awaiting a match decision", len(list), pending)
		if _, err := a.Notify(ctx, msg, nil); err != nil {
			a.Logger().Warn("notification failed", "error", err)
		}
	}
	return len(list) + pending, nil
}

func (a *Agent) Metrics(ctx context.Context) (types.AgentMetrics, error) {
	m, err := a.BaseMetrics(ctx)
	if err != nil {
		return m, err
	}
	matching, err := a.GetExceptionCount(ctx, types.ExceptionBankMatching)
	if err != nil {
		return m, err
	}
	m.Values["auto_matched"] = float64(a.autoMatched.Load())
	m.Values["transfers_processed"] = float64(a.transfers.Load())
	m.Values["matching_exceptions_pending"] = float64(matching)
	return m, nil
}

// Method names used by the orchestrator routing table.
const (
	MethodTransactionCreated = "transaction_created"
	MethodTransactionUpdated = "transaction_updated"
	TaskUnreconciledSummary  = "unreconciled_summary"
	TaskBASSummary           = "bas_summary"
)

func (a *Agent) Handlers() map[string]agent.Handler {
	return map[string]agent.Handler{
		MethodTransactionCreated: agent.Handle(a.HandleTransactionCreated),
		MethodTransactionUpdated: agent.Handle(a.HandleTransactionUpdated),
	}
}

func (a *Agent) Tasks() map[string]agent.Task {
	return map[string]agent.Task{
		TaskUnreconciledSummary: func(ctx context.Context, _ agent.TaskParams) (any, error) {
			return a.UnreconciledSummary(ctx)
		},
		TaskBASSummary: func(ctx context.Context, params agent.TaskParams) (any, error) {
			return a.BASSummary(ctx, params.Date)
		},
	}
}

var (
	_ agent.Agent     = (*Agent)(nil)
	_ agent.Routable  = (*Agent)(nil)
	_ agent.Scheduled = (*Agent)(nil)
)
