// Package cashflow produces the daily 30-day cash forecast and warns when
// the projected position breaches policy limits.
package cashflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

const (
	Name        = "cashflow_forecasting"
	HorizonDays = 30
)

const (
	WarningLowBalance   = "low_balance"
	WarningHighBurnRate = "high_burn_rate"
)

type Warning struct {
	Type     string          `json:"type"`
	Severity types.RiskLevel `json:"severity"`
	Message  string          `json:"message"`
}

type Forecast struct {
	HorizonDays     int             `json:"horizon_days"`
	Accounts        int             `json:"accounts"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	ExpectedInflow  decimal.Decimal `json:"expected_inflow"`
	ExpectedOutflow decimal.Decimal `json:"expected_outflow"`
	EndingBalance   decimal.Decimal `json:"ending_balance"`
	BurnRate        decimal.Decimal `json:"burn_rate"`
	Warnings        []Warning       `json:"warnings,omitempty"`
}

// Risk is the highest warning severity, or low without warnings.
func (f Forecast) Risk() types.RiskLevel {
	risk := types.RiskLow
	for _, w := range f.Warnings {
		if w.Severity.Rank() > risk.Rank() {
			risk = w.Severity
		}
	}
	return risk
}

// Project is the naive linear forecast: balance + inflows - outflows over
// the horizon. A zero max burn rate disables that check.
func Project(accounts []types.BankAccount, limits policy.CashflowPolicy) Forecast {
	f := Forecast{HorizonDays: HorizonDays, Accounts: len(accounts)}
	for _, a := range accounts {
		f.StartingBalance = f.StartingBalance.Add(a.Balance)
		f.ExpectedInflow = f.ExpectedInflow.Add(a.ExpectedInflow)
		f.ExpectedOutflow = f.ExpectedOutflow.Add(a.ExpectedOutflow)
	}
	f.EndingBalance = f.StartingBalance.Add(f.ExpectedInflow).Sub(f.ExpectedOutflow)
	f.BurnRate = f.ExpectedOutflow.Sub(f.ExpectedInflow)

	minBalance := decimal.NewFromFloat(limits.MinBalance)
	if f.EndingBalance.LessThan(minBalance) {
		f.Warnings = append(f.Warnings, Warning{
			Type:     WarningLowBalance,
			Severity: types.RiskHigh,
			Message:  fmt.Sprintf("projected balance %s is below the minimum %s", f.EndingBalance.StringFixed(2), minBalance.StringFixed(2)),
		})
	}
	if limits.MaxBurnRate > 0 {
		maxBurn := decimal.NewFromFloat(limits.MaxBurnRate)
		if f.BurnRate.GreaterThan(maxBurn) {
			f.Warnings = append(f.Warnings, Warning{
				Type:     WarningHighBurnRate,
				Severity: types.RiskMedium,
				Message:  fmt.Sprintf("burn rate %s exceeds the maximum %s", f.BurnRate.StringFixed(2), maxBurn.StringFixed(2)),
			})
		}
	}
	return f
}

type Agent struct {
	*agent.Base
	accounts source.BankAccounts

	mu     sync.RWMutex
	latest *Forecast
}

func New(deps agent.Deps, accounts source.BankAccounts) *Agent {
	return &Agent{Base: agent.NewBase(Name, deps), accounts: accounts}
}

func (a *Agent) Initialize(ctx context.Context) error {
	if a.accounts == nil {
		return fmt.Errorf("%w: %s: bank account source is required", agent.ErrNotInitialized, Name)
	}
	return a.Base.Initialize(ctx)
}

// UpdateForecast recomputes the forecast. Warnings produce one summary
// notification; a healthy forecast sends nothing.
func (a *Agent) UpdateForecast(ctx context.Context) (Forecast, error) {
	if err := a.Ready(); err != nil {
		return Forecast{}, err
	}
	a.RecordProcessed()

	accounts, err := a.accounts.ListBankAccounts(ctx)
	if err != nil {
		return Forecast{}, a.HandleProcessingError(ctx, "forecast", err)
	}
	f := Project(accounts, a.Policy().Cashflow)

	a.mu.Lock()
	a.latest = &f
	a.mu.Unlock()

	warnings := make([]string, 0, len(f.Warnings))
	for _, w := range f.Warnings {
		warnings = append(warnings, w.Type)
	}
	if _, err := a.LogAgentAction(ctx, "forecast_updated", "forecast", map[string]any{
		"starting_balance": f.StartingBalance.StringFixed(2),
		"ending_balance":   f.EndingBalance.StringFixed(2),
		"burn_rate":        f.BurnRate.StringFixed(2),
		"warnings":         strings.Join(warnings, ","),
	}); err != nil {
		a.Logger().Warn("action log failed", "error", err)
	}
	a.RecordAutoAction()

	if len(f.Warnings) > 0 {
		lines := []string{fmt.Sprintf("Cashflow warning: current balance %s, projected %s in %d days",
			f.StartingBalance.StringFixed(2), f.EndingBalance.StringFixed(2), f.HorizonDays)}
		for _, w := range f.Warnings {
			lines = append(lines, fmt.Sprintf("- [%s] %s", w.Severity, w.Message))
		}
		if _, err := a.Notify(ctx, strings.Join(lines, "\n"), []types.ActionButton{
			{Text: "View forecast", Action: "view_forecast", Style: "primary"},
		}); err != nil {
			a.Logger().Warn("notification failed", "error", err)
		}
	}
	return f, nil
}

// Latest returns the most recent forecast, if one was computed.
func (a *Agent) Latest() (Forecast, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return Forecast{}, false
	}
	return *a.latest, true
}

func (a *Agent) Metrics(ctx context.Context) (types.AgentMetrics, error) {
	m, err := a.BaseMetrics(ctx)
	if err != nil {
		return m, err
	}
	m.Labels["risk"] = string(types.RiskLow)
	if f, ok := a.Latest(); ok {
		m.Values["ending_balance"] = f.EndingBalance.InexactFloat64()
		m.Values["burn_rate"] = f.BurnRate.InexactFloat64()
		m.Values["warnings"] = float64(len(f.Warnings))
		m.Labels["risk"] = string(f.Risk())
	}
	return m, nil
}

const TaskUpdateForecast = "update_forecast"

func (a *Agent) Tasks() map[string]agent.Task {
	return map[string]agent.Task{
		TaskUpdateForecast: func(ctx context.Context, _ agent.TaskParams) (any, error) {
			return a.UpdateForecast(ctx)
		},
	}
}

var (
	_ agent.Agent     = (*Agent)(nil)
	_ agent.Scheduled = (*Agent)(nil)
)
