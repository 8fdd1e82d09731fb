// Package alert evaluates operator-defined conditions against live metrics
// and records a trigger each time a condition turns true for a subject.
package alert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/metrics"
	"github.com/rewired-gh/quantflow/internal/models"
)

// DefaultHistorySize bounds the trigger history when no size is configured.
const DefaultHistorySize = 100

// DefaultDeliveryQueue bounds the triggers waiting for the notifiers while
// Run is active.
const DefaultDeliveryQueue = 64

var ErrRuleNotFound = errors.New("alert rule not found")

// MetricSource supplies the subjects to evaluate and their current metrics.
// A subject is a symbol or a pair written "A/B".
type MetricSource interface {
	Subjects(ctx context.Context) ([]string, error)
	Metrics(ctx context.Context, subject string) (map[string]float64, error)
}

// Notifier delivers triggers outside the process.
type Notifier interface {
	Notify(ctx context.Context, trigger models.AlertTrigger) error
}

// RulePatch holds the fields UpdateRule changes; nil fields are left as is.
type RulePatch struct {
	Name      *string `json:"name,omitempty"`
	Condition *string `json:"condition,omitempty"`
	Symbol    *string `json:"symbol,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

type compiledRule struct {
	rule models.AlertRule
	expr *Expr
	gen  uint64
}

type stateKey struct {
	ruleID  string
	subject string
}

type counter struct {
	count int
	last  time.Time
}

type Option func(*Engine)

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier adds n to the notifiers called for every trigger.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithDeliveryQueue sets how many triggers may wait for delivery while Run
// is active. Triggers beyond it are logged and not delivered.
func WithDeliveryQueue(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	source      MetricSource
	notifiers   []Notifier
	metrics     *metrics.Recorder
	historySize int
	queueSize   int
	now         func() time.Time

	mu       sync.Mutex
	queue    chan models.AlertTrigger // set while Run delivers in the background
	rules    []compiledRule // replaced wholesale, never mutated in place
	gen      uint64
	state    map[stateKey]bool
	counters map[string]counter
	history  []models.AlertTrigger
}

func NewEngine(source MetricSource, opts ...Option) *Engine {
	e := &Engine{
		source:      source,
		historySize: DefaultHistorySize,
		queueSize:   DefaultDeliveryQueue,
		now:         time.Now,
		state:       make(map[stateKey]bool),
		counters:    make(map[string]counter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule validates and installs rule. An empty ID is replaced with a fresh
// UUID and an empty name with the condition text.
func (e *Engine) AddRule(rule models.AlertRule) (models.AlertRule, error) {
	rule.Condition = strings.TrimSpace(rule.Condition)
	expr, err := Parse(rule.Condition)
	if err != nil {
		return models.AlertRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Name == "" {
		rule.Name = rule.Condition
	}
	rule.Symbol = normalizeSymbol(rule.Symbol)
	rule.TriggerCount = 0
	rule.LastTriggered = time.Time{}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cr := range e.rules {
		if cr.rule.ID == rule.ID {
			return models.AlertRule{}, models.Configf("id", "duplicate rule id %q", rule.ID)
		}
	}
	rule.CreatedAt = e.now().UTC()
	e.gen++
	next := make([]compiledRule, len(e.rules), len(e.rules)+1)
	copy(next, e.rules)
	e.rules = append(next, compiledRule{rule: rule, expr: expr, gen: e.gen})
	logger.Info("Added alert rule %s (%s): %s", rule.Name, rule.ID, rule.Condition)
	return rule, nil
}

func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	next := make([]compiledRule, 0, len(e.rules)-1)
	next = append(next, e.rules[:i]...)
	e.rules = append(next, e.rules[i+1:]...)
	e.clearStateLocked(id)
	delete(e.counters, id)
	logger.Info("Removed alert rule %s", id)
	return nil
}

// SetEnabled toggles a rule. Disabling clears its per-subject state, so a
// condition that still holds when the rule is re-enabled triggers again.
func (e *Engine) SetEnabled(id string, enabled bool) (models.AlertRule, error) {
	return e.UpdateRule(id, RulePatch{Enabled: &enabled})
}

// UpdateRule applies patch atomically. Changing the condition or symbol
// filter, or disabling the rule, resets its per-subject state.
func (e *Engine) UpdateRule(id string, patch RulePatch) (models.AlertRule, error) {
	var expr *Expr
	if patch.Condition != nil {
		c := strings.TrimSpace(*patch.Condition)
		parsed, err := Parse(c)
		if err != nil {
			return models.AlertRule{}, err
		}
		patch.Condition, expr = &c, parsed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return models.AlertRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	cr := e.rules[i]
	reset := false
	if patch.Name != nil && *patch.Name != "" {
		cr.rule.Name = *patch.Name
	}
	if expr != nil {
		cr.rule.Condition, cr.expr = *patch.Condition, expr
		reset = true
	}
	if patch.Symbol != nil {
		cr.rule.Symbol = normalizeSymbol(*patch.Symbol)
		reset = true
	}
	if patch.Enabled != nil {
		reset = reset || !*patch.Enabled
		cr.rule.Enabled = *patch.Enabled
	}
	e.gen++
	cr.gen = e.gen

	next := make([]compiledRule, len(e.rules))
	copy(next, e.rules)
	next[i] = cr
	e.rules = next
	if reset {
		e.clearStateLocked(id)
	}
	return e.withCounters(cr.rule), nil
}

// Rules returns a copy of every rule in insertion order.
func (e *Engine) Rules() []models.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.AlertRule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = e.withCounters(cr.rule)
	}
	return out
}

func (e *Engine) Rule(id string) (models.AlertRule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return models.AlertRule{}, false
	}
	return e.withCounters(e.rules[i].rule), true
}

// Triggers returns up to limit of the most recent triggers, oldest first.
// limit <= 0 returns the whole history.
func (e *Engine) Triggers(limit int) []models.AlertTrigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]models.AlertTrigger(nil), h...)
}

// RunCycle evaluates every enabled rule against every matching subject once
// and returns the triggers it recorded. The rule set is snapshotted at the
// start; results for a rule edited or removed during the cycle are dropped.
//
// A subject whose metrics cannot be loaded is skipped and keeps its state.
// A condition that fails to evaluate counts as not satisfied. Only a failure
// to list subjects is returned.
func (e *Engine) RunCycle(ctx context.Context) ([]models.AlertTrigger, error) {
	start := time.Now()
	defer func() { e.metrics.AlertCycle(time.Since(start)) }()

	e.mu.Lock()
	snapshot := e.rules
	e.mu.Unlock()

	active := snapshot[:0:0]
	for _, cr := range snapshot {
		if cr.rule.Enabled {
			active = append(active, cr)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	subjects, err := e.source.Subjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert subjects: %w", err)
	}
	sort.Strings(subjects)

	type outcome struct {
		rule      compiledRule
		subject   string
		satisfied bool
		metrics   map[string]float64
	}
	var outcomes []outcome
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var values map[string]float64
		for _, cr := range active {
			if !cr.rule.Matches(subject) {
				continue
			}
			if values == nil {
				values, err = e.source.Metrics(ctx, subject)
				if err != nil {
					logger.Warn("Skipping alert subject %s: %v", subject, err)
					break
				}
				if len(values) == 0 {
					break
				}
			}
			ok, err := cr.expr.Eval(values)
			if err != nil {
				logger.Debug("Rule %s on %s not evaluable: %v", cr.rule.ID, subject, err)
			}
			outcomes = append(outcomes, outcome{rule: cr, subject: subject, satisfied: ok, metrics: values})
		}
	}

	now := e.now().UTC()
	var fired []models.AlertTrigger
	e.mu.Lock()
	current := make(map[string]uint64, len(e.rules))
	for _, cr := range e.rules {
		current[cr.rule.ID] = cr.gen
	}
	for _, o := range outcomes {
		if gen, ok := current[o.rule.rule.ID]; !ok || gen != o.rule.gen {
			continue // edited or removed mid-cycle
		}
		key := stateKey{ruleID: o.rule.rule.ID, subject: o.subject}
		prev := e.state[key]
		e.state[key] = o.satisfied
		if !o.satisfied || prev {
			continue
		}
		t := models.AlertTrigger{
			RuleID:    o.rule.rule.ID,
			RuleName:  o.rule.rule.Name,
			Symbol:    o.subject,
			Timestamp: now,
			Message:   triggerMessage(o.rule, o.subject, o.metrics),
			Metrics:   maps.Clone(o.metrics),
		}
		c := e.counters[t.RuleID]
		c.count++
		c.last = now
		e.counters[t.RuleID] = c
		e.history = append(e.history, t)
		fired = append(fired, t)
	}
	if over := len(e.history) - e.historySize; over > 0 {
		e.history = append([]models.AlertTrigger(nil), e.history[over:]...)
	}
	var inline []models.AlertTrigger
	for _, t := range fired {
		e.metrics.AlertTriggered(t.RuleName)
		logger.Info("Alert triggered: %s", t.Message)
		if len(e.notifiers) == 0 {
			continue
		}
		if e.queue == nil {
			inline = append(inline, t)
			continue
		}
		select {
		case e.queue <- t:
		default:
			logger.Warn("Alert delivery queue full, not delivering %s for %s", t.RuleID, t.Symbol)
		}
	}
	e.mu.Unlock()

	for _, t := range inline {
		e.deliver(ctx, t)
	}
	return fired, nil
}

func (e *Engine) deliver(ctx context.Context, t models.AlertTrigger) {
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, t); err != nil {
			logger.Error("Failed to deliver alert %s for %s: %v", t.RuleID, t.Symbol, err)
		}
	}
}

// Run calls RunCycle every interval until ctx is cancelled. While it runs,
// triggers are handed to the notifiers by a background worker through a
// bounded queue, so slow deliveries never delay a cycle. Called directly,
// RunCycle delivers before returning.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if len(e.notifiers) > 0 {
		stop := e.startDelivery(ctx)
		defer stop()
	}
	logger.Info("Alert engine started, checking every %v", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Alert engine stopped")
			return
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Alert cycle failed: %v", err)
			}
		}
	}
}

func (e *Engine) startDelivery(ctx context.Context) (stop func()) {
	queue := make(chan models.AlertTrigger, e.queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for t := range queue {
			if ctx.Err() != nil {
				logger.Warn("Alert engine stopping, not delivering %s for %s", t.RuleID, t.Symbol)
				continue
			}
			e.deliver(ctx, t)
		}
	}()

	e.mu.Lock()
	e.queue = queue
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.queue = nil
		close(queue)
		e.mu.Unlock()
		<-done
	}
}

func (e *Engine) indexLocked(id string) int {
	for i, cr := range e.rules {
		if cr.rule.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) clearStateLocked(id string) {
	for k := range e.state {
		if k.ruleID == id {
			delete(e.state, k)
		}
	}
}

func (e *Engine) withCounters(r models.AlertRule) models.AlertRule {
	c := e.counters[r.ID]
	r.TriggerCount = c.count
	r.LastTriggered = c.last
	return r
}

func normalizeSymbol(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == models.AllSymbols {
		return ""
	}
	return s
}

func triggerMessage(cr compiledRule, subject string, values map[string]float64) string {
	msg := fmt.Sprintf("%s on %s: %s", cr.rule.Name, subject, cr.rule.Condition)
	var parts []string
	for _, id := range cr.expr.Identifiers() {
		if v, ok := values[id]; ok {
			parts = append(parts, fmt.Sprintf("%s=%.4g", id, v))
		}
	}
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	return msg
}
