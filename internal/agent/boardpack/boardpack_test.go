package boardpack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/agent/bankrec"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/notify"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

type staticMetrics map[string]types.AgentMetrics

func (s staticMetrics) GetAgentMetrics(_ context.Context, name string) (types.AgentMetrics, error) {
	m, ok := s[name]
	if !ok {
		return types.AgentMetrics{}, errors.New("unknown agent")
	}
	return m, nil
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFinancialsSkipsTransfers(t *testing.T) {
	f := Financials([]types.BankTransaction{
		{Amount: amount("10000")},
		{Amount: amount("-6000")},
		{Amount: amount("-500"), Type: types.TxnTypeTransfer},
	})
	assert.Equal(t, "10000.00", f.Revenue.StringFixed(2))
	assert.Equal(t, "6000.00", f.Expenses.StringFixed(2))
	assert.Equal(t, "4000.00", f.Profit.StringFixed(2))
	assert.InDelta(t, 0.4, f.Margin, 1e-9)

	empty := Financials(nil)
	assert.Zero(t, empty.Margin)
}

func TestHealthScore(t *testing.T) {
	h := policy.DefaultHeuristics()
	assert.Equal(t, 100, HealthScore(h, types.Financials{Profit: amount("1")}))
	assert.Equal(t, 50, HealthScore(h, types.Financials{Profit: amount("-1")}))
	assert.Equal(t, 50, HealthScore(h, types.Financials{}))

	h.HealthLossPenalty = 200
	assert.Equal(t, 0, HealthScore(h, types.Financials{}))
	h.HealthBase = 95
	assert.Equal(t, 100, HealthScore(h, types.Financials{Profit: amount("1")}))
}

func TestAssessRisks(t *testing.T) {
	risks := AssessRisks(map[string]types.AgentMetrics{
		"cashflow": {ItemsProcessed: 1, AutoActions: 1, Labels: map[string]string{"risk": "medium"}},
		"bank":     {ItemsProcessed: 9, AutoActions: 6},
	}, ComplianceInputs{PendingErrors: 2})
	assert.Equal(t, types.RiskMedium, risks[RiskCashflow])
	assert.Equal(t, types.RiskMedium, risks[RiskCompliance])
	assert.Equal(t, types.RiskMedium, risks[RiskOperational])
	assert.Equal(t, types.RiskMedium, Overall(risks))

	risks = AssessRisks(map[string]types.AgentMetrics{
		"bank": {ItemsProcessed: 10, AutoActions: 4},
	}, ComplianceInputs{PendingErrors: 6})
	assert.Equal(t, types.RiskLow, risks[RiskCashflow])
	assert.Equal(t, types.RiskHigh, risks[RiskCompliance])
	assert.Equal(t, types.RiskHigh, risks[RiskOperational])
	assert.Equal(t, types.RiskHigh, Overall(risks))

	risks = AssessRisks(nil, ComplianceInputs{})
	assert.Equal(t, types.RiskLow, Overall(risks))
}

func TestGSTShortfallRaisesComplianceRisk(t *testing.T) {
	variance := func(s string) *decimal.Decimal {
		d := amount(s)
		return &d
	}

	risks := AssessRisks(nil, ComplianceInputs{GSTVariance: variance("50"), NetGST: amount("1000")})
	assert.Equal(t, types.RiskLow, risks[RiskCompliance])

	risks = AssessRisks(nil, ComplianceInputs{GSTVariance: variance("-100"), NetGST: amount("1000")})
	assert.Equal(t, types.RiskMedium, risks[RiskCompliance])

	risks = AssessRisks(nil, ComplianceInputs{GSTVariance: variance("-600"), NetGST: amount("1000")})
	assert.Equal(t, types.RiskHigh, risks[RiskCompliance])

	risks = AssessRisks(nil, ComplianceInputs{PendingErrors: 7, GSTVariance: variance("-1"), NetGST: amount("1000")})
	assert.Equal(t, types.RiskHigh, risks[RiskCompliance])
}

func TestGenerateUsesLatestBASSummary(t *testing.T) {
	store := ledger.NewInMemoryStore()
	ctx := context.Background()
	p := &policy.Policy{Version: 1, Heuristics: policy.DefaultHeuristics()}

	writer := agent.NewBase(bankrec.Name, agent.Deps{Policy: p, Store: store})
	_, err := writer.LogAgentAction(ctx, bankrec.ActionBASSummary, "bas-2026-Q1", map[string]any{"variance": "25.00", "net_gst": "400.00"})
	require.NoError(t, err)
	_, err = writer.LogAgentAction(ctx, bankrec.ActionBASSummary, "bas-2026-Q1", map[string]any{"variance": "-300.00", "net_gst": "400.00"})
	require.NoError(t, err)

	a := New(agent.Deps{Policy: p, Store: store}, source.NewMemory(), nil)
	require.NoError(t, a.Initialize(ctx))

	pack, err := a.Generate(ctx, "2026-03")
	require.NoError(t, err)
	require.NotNil(t, pack.GSTVariance)
	assert.Equal(t, "-300.00", pack.GSTVariance.StringFixed(2))
	assert.Equal(t, types.RiskHigh, pack.Risks[RiskCompliance])
	assert.Contains(t, pack.Recommendations, "Top up the GST account: 300.00 short of the BAS liability")
}

func TestRecommend(t *testing.T) {
	recs := Recommend(types.BoardPack{
		Financials:  types.Financials{Margin: 0.05},
		HealthScore: 50,
		Risks:       map[string]types.RiskLevel{RiskCompliance: types.RiskHigh, RiskCashflow: types.RiskHigh},
		OverallRisk: types.RiskHigh,
	})
	require.Len(t, recs, 3)
	assert.Contains(t, recs[0], "cost structure")
	assert.Contains(t, recs[1], "improvement plan")
	assert.Equal(t, "Immediate action required on high risk areas: cashflow, compliance", recs[2])

	assert.Empty(t, Recommend(types.BoardPack{Financials: types.Financials{Margin: 0.3}, HealthScore: 100, OverallRisk: types.RiskLow}))
}

func TestGeneratePersistsAndNotifies(t *testing.T) {
	store := ledger.NewInMemoryStore()
	sink := &notify.MemorySink{}
	src := source.NewMemory()
	ctx := context.Background()
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, src.PutTransaction(ctx, types.BankTransaction{ID: "r", Date: march.AddDate(0, 0, 4), Amount: amount("20000")}))
	require.NoError(t, src.PutTransaction(ctx, types.BankTransaction{ID: "e", Date: march.AddDate(0, 0, 30), Amount: amount("-15000")}))
	require.NoError(t, src.PutTransaction(ctx, types.BankTransaction{ID: "april", Date: march.AddDate(0, 1, 0), Amount: amount("-99999")}))

	provider := staticMetrics{
		"cashflow_forecasting": {Agent: "cashflow_forecasting", ItemsProcessed: 1, AutoActions: 1, Labels: map[string]string{"risk": "low"}},
	}
	p := &policy.Policy{Version: 1, Heuristics: policy.DefaultHeuristics(), Notifications: policy.NotificationPolicy{Channel: "#board"}}
	a := New(agent.Deps{Policy: p, Store: store, Notifier: notify.NewOutbox(store, sink)}, src, provider,
		"cashflow_forecasting", "missing_agent", Name)
	require.NoError(t, a.Initialize(ctx))

	pack, err := a.Generate(ctx, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, "5000.00", pack.Financials.Profit.StringFixed(2))
	assert.InDelta(t, 0.25, pack.Financials.Margin, 1e-9)
	assert.Equal(t, 100, pack.HealthScore)
	assert.Equal(t, types.RiskLow, pack.OverallRisk)
	assert.Empty(t, pack.Recommendations)
	assert.Len(t, pack.AgentMetrics, 1)

	stored, err := store.GetBoardPack(ctx, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, pack.ID, stored.ID)

	deliveries := sink.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Contains(t, deliveries[0].Message, "health 100/100")

	m, err := a.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Values["packs_generated"])

	_, err = a.Generate(ctx, "March")
	require.ErrorIs(t, err, ErrInvalidPeriod)
}
