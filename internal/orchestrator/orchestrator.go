// Package orchestrator routes inbound events to agents, runs the scheduled
// jobs and relays notifications. It owns the agent registry and the event
// log.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/finagent/internal/agent"
	"github.com/davidahmann/finagent/internal/dedupe"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/metrics"
	"github.com/davidahmann/finagent/internal/policy"
	"github.com/davidahmann/finagent/internal/source"
	"github.com/davidahmann/finagent/pkg/types"
)

var (
	ErrUnknownAgent   = errors.New("orchestrator: unknown agent")
	ErrDuplicateAgent = errors.New("orchestrator: agent already registered")
	ErrNoNotifier     = errors.New("orchestrator: no notifier configured")
)

type registration struct {
	agent    agent.Agent
	handlers map[string]agent.Handler
	tasks    map[string]agent.Task
}

type Orchestrator struct {
	policy   policy.Policy
	store    ledger.Store
	notifier agent.Notifier
	deduper  dedupe.Store
	invoices source.Invoices
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	registry map[string]registration
	order    []string
}

type Option func(*Orchestrator)

// WithDeduper skips events whose (type, item id) was already dispatched.
func WithDeduper(d dedupe.Store) Option {
	return func(o *Orchestrator) { o.deduper = d }
}

// WithInvoices enables the accounts receivable reminder step of the daily job.
func WithInvoices(inv source.Invoices) Option {
	return func(o *Orchestrator) { o.invoices = inv }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(p policy.Policy, store ledger.Store, notifier agent.Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policy:   p,
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
		registry: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a to the registry under its name, along with any handlers
// and tasks it exposes.
func (o *Orchestrator) Register(a agent.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := a.Name()
	if _, ok := o.registry[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	reg := registration{agent: a}
	if r, ok := a.(agent.Routable); ok {
		reg.handlers = r.Handlers()
	}
	if s, ok := a.(agent.Scheduled); ok {
		reg.tasks = s.Tasks()
	}
	o.registry[name] = reg
	o.order = append(o.order, name)
	return nil
}

// Initialize initializes every agent in registration order and stops at the
// first failure.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.RLock()
	order := append([]string(nil), o.order...)
	o.mu.RUnlock()

	for _, name := range order {
		reg, _ := o.lookup(name)
		if err := reg.agent.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
	}
	o.logger.Info("orchestrator initialized", "agents", order, "policy_version", o.policy.Version)
	return nil
}

func (o *Orchestrator) lookup(name string) (registration, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	reg, ok := o.registry[name]
	if !ok {
		return registration{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return reg, nil
}

func (o *Orchestrator) handler(eventType string) (agent.Handler, error) {
	route, err := RouteFor(eventType)
	if err != nil {
		return nil, err
	}
	reg, err := o.lookup(route.Agent)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnroutableEvent, eventType, err)
	}
	h, ok := reg.handlers[route.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q: %s has no method %s", ErrUnroutableEvent, eventType, route.Agent, route.Method)
	}
	return h, nil
}

// ProcessEvent appends an event to the log, dispatches it to its handler and
// marks it processed, in that order. A dedupe claim is dropped again when the
// append fails so a redelivery is not skipped. A handler failure still marks the event
// processed, records the error on it and is returned alongside the event id.
// Payload may be json.RawMessage, []byte or any JSON-encodable value.
func (o *Orchestrator) ProcessEvent(ctx context.Context, eventType string, payload any) (string, error) {
	h, err := o.handler(eventType)
	if err != nil {
		metrics.EventsUnroutable.Inc()
		o.logger.Warn("unroutable event", "event_type", eventType, "error", err)
		return "", err
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	claimKey := ""
	if o.deduper != nil {
		if itemID := itemIDOf(raw); itemID != "" {
			key := dedupe.Key(eventType, itemID)
			original, dup, derr := o.deduper.Claim(ctx, key, id)
			switch {
			case derr != nil:
				o.logger.Warn("dedupe unavailable, processing anyway", "event_type", eventType, "item_id", itemID, "error", derr)
			case dup:
				metrics.EventsDuplicate.Inc()
				o.logger.Info("duplicate event skipped", "event_type", eventType, "item_id", itemID, "original_event_id", original)
				return original, nil
			default:
				claimKey = key
			}
		}
	}

	ev := types.Event{
		ID:        id,
		Type:      eventType,
		Payload:   raw,
		Timestamp: o.now().UTC(),
	}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		if claimKey != "" {
			if rerr := o.deduper.Release(ctx, claimKey, id); rerr != nil {
				o.logger.Error("dedupe release failed", "event_type", eventType, "key", claimKey, "error", rerr)
			}
		}
		return "", fmt.Errorf("append event: %w", err)
	}

	herr := h(ctx, raw)

	errText := ""
	outcome := "ok"
	if herr != nil {
		errText = herr.Error()
		outcome = "failed"
	}
	metrics.EventsProcessed.WithLabelValues(eventType, outcome).Inc()

	if err := o.store.MarkEventProcessed(ctx, id, o.now().UTC(), errText); err != nil {
		o.logger.Error("mark event processed failed", "event_id", id, "error", err)
		return id, errors.Join(herr, fmt.Errorf("mark event processed: %w", err))
	}
	if herr != nil {
		o.logger.Error("event handler failed", "event_id", id, "event_type", eventType, "error", herr)
		return id, herr
	}
	o.logger.Info("event processed", "event_id", id, "event_type", eventType)
	return id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	case nil:
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// itemIDOf reads the top-level "id" of a JSON object payload.
func itemIDOf(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// Events lists the event log.
func (o *Orchestrator) Events(ctx context.Context, filter ledger.EventFilter) ([]types.Event, error) {
	return o.store.ListEvents(ctx, filter)
}

// SendNotification records a notification in the outbox and hands it to the
// sink. An empty channel uses the policy channel.
func (o *Orchestrator) SendNotification(ctx context.Context, channel, message string, buttons []types.ActionButton) (types.Notification, error) {
	if o.notifier == nil {
		return types.Notification{}, ErrNoNotifier
	}
	if channel == "" {
		channel = o.policy.Notifications.Channel
	}
	return o.notifier.Send(ctx, channel, message, buttons)
}

// GetAgentMetrics delegates to the named agent.
func (o *Orchestrator) GetAgentMetrics(ctx context.Context, name string) (types.AgentMetrics, error) {
	reg, err := o.lookup(name)
	if err != nil {
		return types.AgentMetrics{}, err
	}
	return reg.agent.Metrics(ctx)
}

// AllMetrics collects every agent's metrics. Failing agents are left out.
func (o *Orchestrator) AllMetrics(ctx context.Context) map[string]types.AgentMetrics {
	out := map[string]types.AgentMetrics{}
	for _, name := range o.AgentNames() {
		m, err := o.GetAgentMetrics(ctx, name)
		if err != nil {
			o.logger.Warn("agent metrics failed", "agent", name, "error", err)
			continue
		}
		out[name] = m
	}
	return out
}

func (o *Orchestrator) AgentNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

// HealthReport is the per-agent health snapshot.
type HealthReport struct {
	Healthy bool                    `json:"healthy"`
	Agents  map[string]agent.Health `json:"agents"`
}

func (o *Orchestrator) Health() HealthReport {
	report := HealthReport{Healthy: true, Agents: map[string]agent.Health{}}
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := append([]string(nil), o.order...)
	sort.Strings(names)
	for _, name := range names {
		h := o.registry[name].agent.Health()
		report.Agents[name] = h
		if !h.Healthy() {
			report.Healthy = false
		}
	}
	return report
}
