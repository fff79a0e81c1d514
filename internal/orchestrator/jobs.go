package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/agent/bankrec"
	"github.com/davidahmann/finagent/internal/agent/boardpack"
	"github.com/davidahmann/finagent/internal/agent/cashflow"
	"github.com/davidahmann/finagent/internal/agent/rdti"
	"github.com/davidahmann/finagent/internal/agent/receipts"
	"github.com/davidahmann/finagent/internal/metrics"
)

// Job names.
const (
	JobDaily     = "daily"
	JobMonthly   = "monthly"
	JobQuarterly = "quarterly"
)

// StepARReminders is the daily step that is not backed by an agent task.
const StepARReminders = "ar_reminders"

// JobContext parameterises a scheduled run. A zero Date means now.
type JobContext struct {
	Date    time.Time
	Period  string
	Quarter string
}

type StepResult struct {
	Step   string `json:"step"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	err    error
}

type JobReport struct {
	Job      string       `json:"job"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Steps    []StepResult `json:"steps"`
}

func (r JobReport) Failed() bool {
	for _, s := range r.Steps {
		if s.err != nil {
			return true
		}
	}
	return false
}

// Err joins the errors of every failed step.
func (r JobReport) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Step, s.err))
		}
	}
	return errors.Join(errs...)
}

type step struct {
	name string
	run  func(ctx context.Context) (any, error)
}

func (o *Orchestrator) taskStep(agentName, task string, params agent.TaskParams) step {
	return step{
		name: agentName + "." + task,
		run: func(ctx context.Context) (any, error) {
			reg, err := o.lookup(agentName)
			if err != nil {
				return nil, err
			}
			fn, ok := reg.tasks[task]
			if !ok {
				return nil, fmt.Errorf("%w: %s has no task %s", ErrUnknownAgent, agentName, task)
			}
			return fn(ctx, params)
		},
	}
}

// runJob runs every step in order. A failing step is recorded and the next
// one still runs.
func (o *Orchestrator) runJob(ctx context.Context, job string, steps []step) JobReport {
	report := JobReport{Job: job, Started: o.now().UTC()}
	for _, s := range steps {
		res, err := s.run(ctx)
		sr := StepResult{Step: s.name, Result: res, err: err}
		outcome := "ok"
		if err != nil {
			sr.Error = err.Error()
			outcome = "failed"
			o.logger.Error("job step failed", "job", job, "step", s.name, "error", err)
		}
		metrics.JobSteps.WithLabelValues(job, s.name, outcome).Inc()
		report.Steps = append(report.Steps, sr)
	}
	report.Finished = o.now().UTC()
	o.logger.Info("job finished", "job", job, "steps", len(report.Steps), "failed", report.Failed())
	return report
}

func (o *Orchestrator) params(jc JobContext) agent.TaskParams {
	d := jc.Date
	if d.IsZero() {
		d = o.now()
	}
	return agent.TaskParams{Date: d.UTC(), Period: jc.Period, Quarter: jc.Quarter}
}

// HandleDailyJob summarises the BAS quarter to date, refreshes the cash
// forecast, checks stale bill approvals, summarises unreconciled transactions
// and sends accounts receivable reminders.
func (o *Orchestrator) HandleDailyJob(ctx context.Context, jc JobContext) JobReport {
	params := o.params(jc)
	return o.runJob(ctx, JobDaily, []step{
		o.taskStep(bankrec.Name, bankrec.TaskBASSummary, params),
		o.taskStep(cashflow.Name, cashflow.TaskUpdateForecast, params),
		o.taskStep(receipts.Name, receipts.TaskComplianceCheck, params),
		o.taskStep(bankrec.Name, bankrec.TaskUnreconciledSummary, params),
		{name: StepARReminders, run: func(ctx context.Context) (any, error) {
			return o.sendARReminders(ctx, params.Date)
		}},
	})
}

// HandleMonthlyJob generates the board pack for jc.Period, or the previous month.
func (o *Orchestrator) HandleMonthlyJob(ctx context.Context, jc JobContext) JobReport {
	return o.runJob(ctx, JobMonthly, []step{
		o.taskStep(boardpack.Name, boardpack.TaskGenerate, o.params(jc)),
	})
}

// HandleQuarterlyJob builds the RDTI report for jc.Quarter, or the previous quarter.
func (o *Orchestrator) HandleQuarterlyJob(ctx context.Context, jc JobContext) JobReport {
	return o.runJob(ctx, JobQuarterly, []step{
		o.taskStep(rdti.Name, rdti.TaskQuarterlyReport, o.params(jc)),
	})
}

// ARReminderResult reports the overdue invoices a reminder was sent for.
type ARReminderResult struct {
	Overdue        int    `json:"overdue"`
	NotificationID string `json:"notification_id,omitempty"`
}

func (o *Orchestrator) sendARReminders(ctx context.Context, asOf time.Time) (ARReminderResult, error) {
	if o.invoices == nil {
		return ARReminderResult{}, nil
	}
	overdue, err := o.invoices.OverdueInvoices(ctx, asOf)
	if err != nil {
		return ARReminderResult{}, fmt.Errorf("overdue invoices: %w", err)
	}
	res := ARReminderResult{Overdue: len(overdue)}
	if len(overdue) == 0 {
		return res, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d overdue invoice(s) need follow-up:", len(overdue))
	for _, inv := range overdue {
		days := int(asOf.Sub(inv.DueDate).Hours() / 24)
		label := inv.Number
		if label == "" {
			label = inv.ID
		}
		fmt.Fprintf(&b, "\n- %s %s $%s, %d days overdue", label, inv.Contact, inv.Amount.StringFixed(2), days)
	}
	n, err := o.SendNotification(ctx, "", b.String(), nil)
	if err != nil {
		return res, err
	}
	res.NotificationID = n.ID
	return res, nil
}
