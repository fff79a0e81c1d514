package orchestrator

import (
	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/agent/bankrec"
	"github.com/davidahmann/finagent/internal/agent/boardpack"
	"github.com/davidahmann/finagent/internal/agent/cashflow"
	"github.com/davidahmann/finagent/internal/agent/rdti"
	"github.com/davidahmann/finagent/internal/agent/receipts"
	"github.com/davidahmann/finagent/internal/audit"
	"github.com/davidahmann/finagent/internal/source"
)

// RegisterDefaults builds the five standard agents over src and registers
// them. The board pack reads the other agents' metrics through o.
func (o *Orchestrator) RegisterDefaults(deps agent.Deps, src source.Sources) error {
	if deps.Policy == nil {
		p := o.policy
		deps.Policy = &p
	}
	if deps.Store == nil {
		deps.Store = o.store
	}
	if deps.Notifier == nil {
		deps.Notifier = o.notifier
	}
	if deps.Logger == nil {
		deps.Logger = o.logger
	}
	if deps.Clock == nil {
		deps.Clock = o.now
	}
	// One chain for every agent.
	if deps.Audit == nil {
		deps.Audit = audit.New(deps.Store, audit.WithLogger(deps.Logger), audit.WithClock(deps.Clock))
	}

	agents := []agent.Agent{
		bankrec.New(deps, src),
		receipts.New(deps, src),
		cashflow.New(deps, src),
		rdti.New(deps),
		boardpack.New(deps, src, o, bankrec.Name, receipts.Name, cashflow.Name, rdti.Name),
	}
	for _, a := range agents {
		if err := o.Register(a); err != nil {
			return err
		}
	}
	return nil
}

var _ boardpack.MetricsProvider = (*Orchestrator)(nil)
