// Package boardpack assembles the monthly board report from the month's
// transactions and the other agents' metrics. It has no auto-action
// authority.
package boardpack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/agent/bankrec"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

const Name = "board_pack"

var ErrInvalidPeriod = errors.New("boardpack: period must look like 2026-03")

const (
	RiskCashflow    = "cashflow"
	RiskCompliance  = "compliance"
	RiskOperational = "operational"
)

// MetricsProvider returns another agent's metrics. The orchestrator
// implements it.
type MetricsProvider interface {
	GetAgentMetrics(ctx context.Context, name string) (types.AgentMetrics, error)
}

type Agent struct {
	*agent.Base
	txns source.BankTransactions
	// agents whose metrics feed the pack
	agents []string

	mu        sync.RWMutex
	provider  MetricsProvider
	generated int
	lastScore int
}

func New(deps agent.Deps, txns source.BankTransactions, provider MetricsProvider, agents ...string) *Agent {
	return &Agent{Base: agent.NewBase(Name, deps), txns: txns, provider: provider, agents: agents}
}

// SetMetricsProvider wires the provider after construction, for when the
// provider is the registry the agent is registered in.
func (a *Agent) SetMetricsProvider(p MetricsProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provider = p
}

func (a *Agent) Initialize(ctx context.Context) error {
	if a.txns == nil {
		return fmt.Errorf("%w: %s: transaction source is required", agent.ErrNotInitialized, Name)
	}
	return a.Base.Initialize(ctx)
}

// Financials sums the month's non-transfer transactions.
func Financials(txns []types.BankTransaction) types.Financials {
	var f types.Financials
	for _, tx := range txns {
		if tx.Type == types.TxnTypeTransfer {
			continue
		}
		if tx.Amount.IsPositive() {
			f.Revenue = f.Revenue.Add(tx.Amount)
		} else {
			f.Expenses = f.Expenses.Add(tx.Amount.Abs())
		}
	}
	f.Profit = f.Revenue.Sub(f.Expenses)
	if f.Revenue.IsPositive() {
		f.Margin = f.Profit.Div(f.Revenue).Round(4).InexactFloat64()
	}
	return f
}

// HealthScore is base, plus the profit bonus or minus the loss penalty,
// plus the growth placeholder, clamped to 0..100.
func HealthScore(h policy.Heuristics, f types.Financials) int {
	score := h.HealthBase + h.HealthGrowthPlaceholder
	if f.Profit.IsPositive() {
		score += h.HealthProfitBonus
	} else {
		score -= h.HealthLossPenalty
	}
	return min(max(score, 0), 100)
}

// Generate builds, persists and announces the pack for period (YYYY-MM).
func (a *Agent) Generate(ctx context.Context, period string) (types.BoardPack, error) {
	if err := a.Ready(); err != nil {
		return types.BoardPack{}, err
	}
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return types.BoardPack{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	a.RecordProcessed()
	itemID := "board-pack-" + period

	txns, err := a.txns.ListTransactions(ctx, source.TransactionFilter{
		Window: source.Window{From: start, To: start.AddDate(0, 1, -1)},
	})
	if err != nil {
		return types.BoardPack{}, a.HandleProcessingError(ctx, itemID, err)
	}

	p := a.Policy()
	pack := types.BoardPack{
		ID:           uuid.NewString(),
		Period:       period,
		Financials:   Financials(txns),
		AgentMetrics: a.collectMetrics(ctx),
		CreatedAt:    a.Now(),
	}
	pack.HealthScore = HealthScore(p.Heuristics, pack.Financials)

	pendingErrors, err := a.Store().ListExceptions(ctx, ledger.ExceptionFilter{
		Type:   types.ExceptionProcessingError,
		Status: types.ExceptionPending,
	})
	if err != nil {
		return types.BoardPack{}, a.HandleProcessingError(ctx, itemID, err)
	}
	compliance := ComplianceInputs{PendingErrors: len(pendingErrors)}
	a.applyBAS(ctx, &compliance)
	pack.GSTVariance = compliance.GSTVariance
	pack.Risks = AssessRisks(pack.AgentMetrics, compliance)
	pack.OverallRisk = Overall(pack.Risks)
	pack.Recommendations = Recommend(pack)

	if err := a.Store().PutBoardPack(ctx, pack); err != nil {
		return types.BoardPack{}, a.HandleProcessingError(ctx, itemID, err)
	}
	if _, err := a.LogAgentAction(ctx, "board_pack_generated", itemID, map[string]any{
		"pack_id":      pack.ID,
		"health_score": pack.HealthScore,
		"overall_risk": string(pack.OverallRisk),
		"profit":       pack.Financials.Profit.StringFixed(2),
	}); err != nil {
		a.Logger().Warn("action log failed", "item_id", itemID, "error", err)
	}

	a.mu.Lock()
	a.generated++
	a.lastScore = pack.HealthScore
	a.mu.Unlock()

	if _, err := a.Notify(ctx, summary(pack), []types.ActionButton{
		{Text: "View board pack", Action: "view_board_pack:" + period, Style: "primary"},
	}); err != nil {
		a.Logger().Warn("notification failed", "item_id", itemID, "error", err)
	}
	return pack, nil
}

func (a *Agent) collectMetrics(ctx context.Context) map[string]types.AgentMetrics {
	a.mu.RLock()
	provider := a.provider
	a.mu.RUnlock()

	out := map[string]types.AgentMetrics{}
	if provider == nil {
		return out
	}
	for _, name := range a.agents {
		if name == Name {
			continue
		}
		m, err := provider.GetAgentMetrics(ctx, name)
		if err != nil {
			a.Logger().Warn("agent metrics unavailable", "source_agent", name, "error", err)
			continue
		}
		out[name] = m
	}
	return out
}

// ComplianceInputs feed the compliance category. GSTVariance is the GST
// account balance less the net GST owed at the latest BAS summary, nil when
// none has run.
type ComplianceInputs struct {
	PendingErrors int
	GSTVariance   *decimal.Decimal
	NetGST        decimal.Decimal
}

// applyBAS reads the newest BAS summary from the action log.
func (a *Agent) applyBAS(ctx context.Context, c *ComplianceInputs) {
	entries, err := a.Store().ListActions(ctx, ledger.ActionFilter{Agent: bankrec.Name, Action: bankrec.ActionBASSummary})
	if err != nil {
		a.Logger().Warn("bas summary unavailable", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	fields := entries[len(entries)-1].Fields
	variance, verr := decimal.NewFromString(fmt.Sprint(fields["variance"]))
	net, nerr := decimal.NewFromString(fmt.Sprint(fields["net_gst"]))
	if verr != nil || nerr != nil {
		a.Logger().Warn("bas summary unreadable", "error", errors.Join(verr, nerr))
		return
	}
	c.GSTVariance = &variance
	c.NetGST = net
}

// AssessRisks reduces each category to a level. Cashflow takes the highest
// "risk" label reported by any agent and operational uses the combined
// automation rate. Compliance counts pending processing errors and is raised
// by a GST shortfall: high once the shortfall exceeds half the GST owed.
func AssessRisks(metrics map[string]types.AgentMetrics, c ComplianceInputs) map[string]types.RiskLevel {
	cash := types.RiskLow
	var processed, automated int64
	for _, m := range metrics {
		if r := types.RiskLevel(m.Labels["risk"]); r.Rank() > cash.Rank() {
			cash = r
		}
		processed += m.ItemsProcessed
		automated += m.AutoActions
	}

	compliance := types.RiskLow
	switch {
	case c.PendingErrors > 5:
		compliance = types.RiskHigh
	case c.PendingErrors > 0:
		compliance = types.RiskMedium
	}
	if c.GSTVariance != nil && c.GSTVariance.IsNegative() {
		gst := types.RiskMedium
		if !c.NetGST.IsPositive() || c.GSTVariance.Abs().GreaterThan(c.NetGST.Div(decimal.NewFromInt(2))) {
			gst = types.RiskHigh
		}
		if gst.Rank() > compliance.Rank() {
			compliance = gst
		}
	}

	operational := types.RiskLow
	if processed > 0 {
		rate := float64(automated) / float64(processed)
		switch {
		case rate < 0.5:
			operational = types.RiskHigh
		case rate < 0.8:
			operational = types.RiskMedium
		}
	}

	return map[string]types.RiskLevel{
		RiskCashflow:    cash,
		RiskCompliance:  compliance,
		RiskOperational: operational,
	}
}

func Overall(risks map[string]types.RiskLevel) types.RiskLevel {
	overall := types.RiskLow
	for _, r := range risks {
		if r.Rank() > overall.Rank() {
			overall = r
		}
	}
	return overall
}

func Recommend(pack types.BoardPack) []string {
	recs := []string{}
	if pack.Financials.Margin < 0.10 {
		recs = append(recs, fmt.Sprintf("Review cost structure: margin is %.1f%%", pack.Financials.Margin*100))
	}
	if pack.HealthScore < 70 {
		recs = append(recs, "Prepare a financial health improvement plan")
	}
	if pack.GSTVariance != nil && pack.GSTVariance.IsNegative() {
		recs = append(recs, fmt.Sprintf("Top up the GST account: %s short of the BAS liability", pack.GSTVariance.Abs().StringFixed(2)))
	}
	if pack.OverallRisk == types.RiskHigh {
		var high []string
		for name, r := range pack.Risks {
			if r == types.RiskHigh {
				high = append(high, name)
			}
		}
		sort.Strings(high)
		recs = append(recs, "Immediate action required on high risk areas: "+strings.Join(high, ", "))
	}
	return recs
}

func summary(pack types.BoardPack) string {
	f := pack.Financials
	lines := []string{
		fmt.Sprintf("Board pack %s: health %d/100, overall risk %s", pack.Period, pack.HealthScore, pack.OverallRisk),
		fmt.Sprintf("Revenue %s, expenses %s, profit %s (margin %.1f%%)",
			f.Revenue.StringFixed(2), f.Expenses.StringFixed(2), f.Profit.StringFixed(2), f.Margin*100),
	}
	for _, r := range pack.Recommendations {
		lines = append(lines, "- "+r)
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) Metrics(ctx context.Context) (types.AgentMetrics, error) {
	m, err := a.BaseMetrics(ctx)
	if err != nil {
		return m, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	m.Values["packs_generated"] = float64(a.generated)
	m.Values["health_score"] = float64(a.lastScore)
	return m, nil
}

const TaskGenerate = "generate"

// Tasks generates the pack for params.Period, or the month before params.Date.
func (a *Agent) Tasks() map[string]agent.Task {
	return map[string]agent.Task{
		TaskGenerate: func(ctx context.Context, params agent.TaskParams) (any, error) {
			period := params.Period
			if period == "" {
				d := params.Date.UTC()
				period = time.Date(d.Year(), d.Month()-1, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
			}
			return a.Generate(ctx, period)
		},
	}
}

var (
	_ agent.Agent     = (*Agent)(nil)
	_ agent.Scheduled = (*Agent)(nil)
)
