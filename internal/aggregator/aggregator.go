// Package aggregator rolls repeated flag evaluations up into periodic usage
// events. Evaluations sharing a flag, variant, allocation, rule, targeting key
// and context collapse into one counter per window.
package aggregator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/matt-riley/variantz/internal/core"
)

const DefaultInterval = 10 * time.Second

// Evaluation is one resolved flag check as seen by the aggregator.
type Evaluation struct {
	FlagKey          string
	Variant          string
	AllocationKey    string
	TargetingRuleKey string
	TargetingKey     string
	Context          map[string]any
	Reason           core.Reason
	Error            string
}

// NewEvaluation extracts the aggregated fields from a resolution. err, when
// non-nil, takes precedence over the resolution's own error message.
func NewEvaluation(flagKey string, ec core.EvaluationContext, res core.Resolution, err error) Evaluation {
	ev := Evaluation{
		FlagKey:      flagKey,
		Variant:      res.Variant,
		TargetingKey: ec.TargetingKey,
		Context:      maps.Clone(ec.Attributes),
		Reason:       res.Reason,
		Error:        res.ErrorMessage,
	}
	if res.Metadata != nil {
		ev.AllocationKey = res.Metadata.AllocationKey
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

type entry struct {
	eval               Evaluation
	count              int
	first              time.Time
	last               time.Time
	runtimeDefaultUsed bool
}

type Aggregator struct {
	onFlush  func([]Event)
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	flushMu sync.Mutex

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

type Option func(*Aggregator)

func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// New returns an aggregator that hands each non-empty window to onFlush.
func New(onFlush func([]Event), opts ...Option) *Aggregator {
	a := &Aggregator{
		onFlush:  onFlush,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddEvaluation records a resolution. It never blocks on I/O.
func (a *Aggregator) AddEvaluation(flagKey string, ec core.EvaluationContext, res core.Resolution, err error) {
	a.Add(NewEvaluation(flagKey, ec, res, err))
}

func (a *Aggregator) Add(ev Evaluation) {
	key := aggregationKey(ev)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[key]; ok {
		e.count++
		e.last = now
		if ev.Error != "" {
			e.eval.Error = ev.Error
		}
		return
	}
	a.entries[key] = &entry{
		eval:               ev,
		count:              1,
		first:              now,
		last:               now,
		runtimeDefaultUsed: ev.Reason == core.ReasonDefault || ev.Reason == core.ReasonError,
	}
	a.order = append(a.order, key)
}

// Len reports the number of distinct entries in the current window.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Flush emits the current window and starts a new one. Nothing is emitted
// for an empty window.
func (a *Aggregator) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	entries, order := a.entries, a.order
	a.entries = make(map[string]*entry, len(entries))
	a.order = nil
	a.mu.Unlock()

	if len(order) == 0 {
		return
	}

	events := make([]Event, 0, len(order))
	for _, key := range order {
		events = append(events, newEvent(entries[key]))
	}
	a.logger.Debug("flushing flag evaluations", "events", len(events))
	if a.onFlush != nil {
		a.onFlush(events)
	}
}

// Start runs the flush timer until ctx is done or Stop is called. Calling it
// again while running, or after Stop, does nothing.
func (a *Aggregator) Start(ctx context.Context) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.stopped || a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go a.run(ctx, a.done)
}

func (a *Aggregator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Stop halts the timer and performs a final flush before returning. Only the
// first call has any effect.
func (a *Aggregator) Stop() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.stopped {
		return
	}
	a.stopped = true

	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.Flush()
}

func aggregationKey(ev Evaluation) string {
	if ev.Context == nil {
		ev.Context = map[string]any{}
	}
	b, err := json.Marshal(struct {
		FlagKey          string         `json:"flagKey"`
		Variant          string         `json:"variant"`
		AllocationKey    string         `json:"allocationKey"`
		TargetingRuleKey string         `json:"targetingRuleKey"`
		TargetingKey     string         `json:"targetingKey"`
		TargetingContext map[string]any `json:"targetingContext"`
	}{ev.FlagKey, ev.Variant, ev.AllocationKey, ev.TargetingRuleKey, ev.TargetingKey, ev.Context})
	if err != nil {
		b = []byte(ev.FlagKey + "\x00" + ev.Variant + "\x00" + ev.AllocationKey + "\x00" + ev.TargetingKey)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
