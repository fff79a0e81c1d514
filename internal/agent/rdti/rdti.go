// Package rdti links bank transactions to R&D Tax Incentive activity
// categories and rolls them up per quarter. It never changes ledger state.
package rdti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/pkg/types"
)

const Name = "rdti"

var ErrInvalidQuarter = errors.New("rdti: quarter must look like 2026-Q1")

const (
	StatusLinked      = "linked"
	StatusNotEligible = "not_eligible"
)

type Result struct {
	TransactionID string              `json:"transaction_id"`
	Status        string              `json:"status"`
	Assessment    Assessment          `json:"assessment"`
	Activity      *types.RDTIActivity `json:"activity,omitempty"`
}

type CategoryTotal struct {
	Category    string          `json:"category"`
	Activities  int             `json:"activities"`
	Expenditure decimal.Decimal `json:"expenditure"`
	Benefit     decimal.Decimal `json:"benefit"`
}

type Report struct {
	Quarter     string          `json:"quarter"`
	Categories  []CategoryTotal `json:"categories"`
	Expenditure decimal.Decimal `json:"expenditure"`
	Benefit     decimal.Decimal `json:"benefit"`
}

type Agent struct {
	*agent.Base

	assessor    atomic.Pointer[Assessor]
	linked      atomic.Int64
	benefitCent atomic.Int64
}

func New(deps agent.Deps) *Agent {
	return &Agent{Base: agent.NewBase(Name, deps)}
}

// Initialize binds the policy and compiles its activity patterns once.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.Base.Initialize(ctx); err != nil {
		return err
	}
	as, err := NewAssessor(a.Policy())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", agent.ErrNotInitialized, Name, err)
	}
	a.assessor.Store(as)
	return nil
}

// HandleTransaction assesses one transaction and links it when eligible.
func (a *Agent) HandleTransaction(ctx context.Context, payload json.RawMessage) (Result, error) {
	var tx types.BankTransaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return Result{}, a.HandleProcessingError(ctx, "unknown", fmt.Errorf("decode transaction: %w", err))
	}
	if tx.ID == "" {
		return Result{}, a.HandleProcessingError(ctx, "unknown", errors.New("transaction has no id"))
	}
	return a.Assess(ctx, tx)
}

func (a *Agent) Assess(ctx context.Context, tx types.BankTransaction) (Result, error) {
	if err := a.Ready(); err != nil {
		return Result{}, err
	}
	a.RecordProcessed()

	p := a.Policy()
	as := a.assessor.Load()
	if as == nil {
		return Result{}, fmt.Errorf("%w: %s", agent.ErrNotInitialized, Name)
	}
	assessment := as.Assess(tx)
	res := Result{TransactionID: tx.ID, Status: StatusNotEligible, Assessment: assessment}
	if !assessment.Eligible {
		return res, nil
	}

	activity := types.RDTIActivity{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Category:      assessment.Category,
		Description:   tx.Description,
		Supplier:      tx.Contact,
		Expenditure:   tx.Amount.Abs(),
		Benefit:       Benefit(tx.Amount, p.Heuristics.RDTIBenefitRate),
		Confidence:    assessment.Confidence,
		Evidence:      assessment.Evidence,
		Quarter:       QuarterOf(tx.Date),
		CreatedAt:     a.Now(),
	}
	if err := a.Store().PutRDTIActivity(ctx, activity); err != nil {
		return Result{}, a.HandleProcessingError(ctx, tx.ID, fmt.Errorf("link rdti activity: %w", err))
	}
	if _, err := a.LogAgentAction(ctx, "rdti_activity_linked", tx.ID, map[string]any{
		"activity_id": activity.ID,
		"category":    activity.Category,
		"confidence":  activity.Confidence,
		"expenditure": activity.Expenditure.StringFixed(2),
		"benefit":     activity.Benefit.StringFixed(2),
		"quarter":     activity.Quarter,
	}); err != nil {
		a.Logger().Warn("action log failed", "item_id", tx.ID, "error", err)
	}
	a.RecordAutoAction()
	a.linked.Add(1)
	a.benefitCent.Add(activity.Benefit.Shift(2).IntPart())

	res.Status = StatusLinked
	res.Activity = &activity
	return res, nil
}

// QuarterlyReport groups the quarter's linked activities by category.
func (a *Agent) QuarterlyReport(ctx context.Context, quarter string) (Report, error) {
	if err := a.Ready(); err != nil {
		return Report{}, err
	}
	if !validQuarter(quarter) {
		return Report{}, fmt.Errorf("%w: %q", ErrInvalidQuarter, quarter)
	}
	activities, err := a.Store().ListRDTIActivities(ctx, quarter)
	if err != nil {
		return Report{}, a.HandleProcessingError(ctx, "rdti-"+quarter, err)
	}

	byCategory := map[string]*CategoryTotal{}
	report := Report{Quarter: quarter, Categories: []CategoryTotal{}}
	for _, act := range activities {
		ct, ok := byCategory[act.Category]
		if !ok {
			ct = &CategoryTotal{Category: act.Category}
			byCategory[act.Category] = ct
		}
		ct.Activities++
		ct.Expenditure = ct.Expenditure.Add(act.Expenditure)
		ct.Benefit = ct.Benefit.Add(act.Benefit)
		report.Expenditure = report.Expenditure.Add(act.Expenditure)
		report.Benefit = report.Benefit.Add(act.Benefit)
	}
	for _, ct := range byCategory {
		report.Categories = append(report.Categories, *ct)
	}
	sort.Slice(report.Categories, func(i, j int) bool { return report.Categories[i].Category < report.Categories[j].Category })

	if _, err := a.LogAgentAction(ctx, "rdti_quarterly_report", "rdti-"+quarter, map[string]any{
		"activities":  len(activities),
		"expenditure": report.Expenditure.StringFixed(2),
		"benefit":     report.Benefit.StringFixed(2),
	}); err != nil {
		a.Logger().Warn("action log failed", "quarter", quarter, "error", err)
	}

	lines := []string{fmt.Sprintf("RDTI %s: %d linked activities, expenditure %s, estimated benefit %s",
		quarter, len(activities), report.Expenditure.StringFixed(2), report.Benefit.StringFixed(2))}
	for _, ct := range report.Categories {
		lines = append(lines, fmt.Sprintf("- %s: %d, %s (benefit %s)", ct.Category, ct.Activities, ct.Expenditure.StringFixed(2), ct.Benefit.StringFixed(2)))
	}
	if _, err := a.Notify(ctx, strings.Join(lines, "\n"), nil); err != nil {
		a.Logger().Warn("notification failed", "quarter", quarter, "error", err)
	}
	return report, nil
}

func (a *Agent) Metrics(ctx context.Context) (types.AgentMetrics, error) {
	m, err := a.BaseMetrics(ctx)
	if err != nil {
		return m, err
	}
	m.Values["activities_linked"] = float64(a.linked.Load())
	m.Values["benefit_linked"] = float64(a.benefitCent.Load()) / 100
	return m, nil
}

const (
	MethodAssess        = "assess"
	TaskQuarterlyReport = "quarterly_report"
)

func (a *Agent) Handlers() map[string]agent.Handler {
	return map[string]agent.Handler{
		MethodAssess: agent.Handle(a.HandleTransaction),
	}
}

// Tasks reports on params.Quarter, or the quarter before params.Date.
func (a *Agent) Tasks() map[string]agent.Task {
	return map[string]agent.Task{
		TaskQuarterlyReport: func(ctx context.Context, params agent.TaskParams) (any, error) {
			q := params.Quarter
			if q == "" {
				d := params.Date.UTC()
				q = QuarterOf(time.Date(d.Year(), d.Month()-3, 1, 0, 0, 0, 0, time.UTC))
			}
			return a.QuarterlyReport(ctx, q)
		},
	}
}

var (
	_ agent.Agent     = (*Agent)(nil)
	_ agent.Routable  = (*Agent)(nil)
	_ agent.Scheduled = (*Agent)(nil)
)
