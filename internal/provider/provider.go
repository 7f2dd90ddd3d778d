// Package provider hosts the flag engine behind a feature-flag provider
// surface: typed resolve operations, lifecycle events, and an atomically
// swapped configuration. Each resolve is traced, counted, checked for a
// loggable exposure and handed to the evaluation aggregator.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/exposure"
)

const (
	Name               = "variantz"
	DefaultInitTimeout = 5 * time.Second
	tracerName         = "github.com/matt-riley/variantz/internal/provider"
)

var (
	ErrInitTimeout = errors.New("provider initialization timed out")
	ErrNilConfig   = errors.New("configuration is nil")
)

// Fetcher loads a configuration for a given evaluation context. It is only
// consulted by OnContextChange.
type Fetcher interface {
	Fetch(ctx context.Context, ec core.EvaluationContext) (*core.Configuration, error)
}

// Sink receives every resolution, typically an *aggregator.Aggregator.
type Sink interface {
	AddEvaluation(flagKey string, ec core.EvaluationContext, res core.Resolution, err error)
}

// Metrics is the subset of instrumentation the provider reports to.
type Metrics interface {
	RecordEvaluation(reason core.Reason)
	IncExposuresPublished()
	IncExposuresDeduplicated()
	IncConfigurationSwaps()
}

type Metadata struct {
	Name string `json:"name"`
}

// ResolutionDetail is a typed view of a [core.Resolution].
type ResolutionDetail[T any] struct {
	Value        T
	Reason       core.Reason
	Variant      string
	ErrorCode    core.ErrorCode
	ErrorMessage string
	Metadata     *core.Metadata
	ExtraLogging map[string]string
}

type Provider struct {
	evaluator   *core.Evaluator
	logger      *slog.Logger
	cache       exposure.Cache
	channel     exposure.Channel
	sink        Sink
	metrics     Metrics
	fetcher     Fetcher
	tracer      trace.Tracer
	initTimeout time.Duration
	now         func() time.Time

	config atomic.Pointer[core.Configuration]

	// exposureLocks makes the cache check, publish and insert one step per
	// assignment key so concurrent resolves publish a given exposure once.
	exposureLocks keyLock

	stateMu sync.Mutex
	status  Status
	lastErr error
	settled chan struct{}

	handlers     handlerRegistry
	shutdownOnce sync.Once
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithEvaluator(e *core.Evaluator) Option {
	return func(p *Provider) {
		if e != nil {
			p.evaluator = e
		}
	}
}

// WithAssignmentCache enables exposure deduplication. Without a cache every
// loggable resolution is published.
func WithAssignmentCache(cache exposure.Cache) Option {
	return func(p *Provider) { p.cache = cache }
}

func WithExposureChannel(ch exposure.Channel) Option {
	return func(p *Provider) { p.channel = ch }
}

func WithSink(sink Sink) Option {
	return func(p *Provider) { p.sink = sink }
}

func WithMetrics(m Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

func WithFetcher(f Fetcher) Option {
	return func(p *Provider) { p.fetcher = f }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithInitTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.initTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		evaluator:   core.NewEvaluator(),
		logger:      slog.New(slog.DiscardHandler),
		tracer:      otel.Tracer(tracerName),
		initTimeout: DefaultInitTimeout,
		now:         time.Now,
		status:      StatusNotReady,
		settled:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Metadata() Metadata {
	return Metadata{Name: Name}
}

func (p *Provider) Status() Status {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.status
}

// Configuration returns the active configuration, or nil before the first
// SetConfiguration.
func (p *Provider) Configuration() *core.Configuration {
	return p.config.Load()
}

// AddHandler registers h for events of type t. Registering for EventReady on
// a provider that is already ready runs h immediately.
func (p *Provider) AddHandler(t EventType, h func(Event)) {
	if h == nil {
		return
	}
	p.handlers.add(t, h)
	if t == EventReady && p.Status() == StatusReady {
		h(Event{Type: EventReady})
	}
}

// Initialize loads the assignment cache and then waits for the first
// configuration or error. A cache that fails to load is logged and used
// empty.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.cache != nil {
		if err := p.cache.Init(ctx); err != nil {
			p.logger.Warn("assignment cache unavailable at start-up", "error", err)
		}
	}

	timer := time.NewTimer(p.initTimeout)
	defer timer.Stop()

	select {
	case <-p.settled:
	case <-timer.C:
		return ErrInitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.status == StatusError {
		return fmt.Errorf("initialize provider: %w", p.lastErr)
	}
	return nil
}

// SetConfiguration atomically replaces the active configuration. The
// assignment cache is told the configuration's createdAt, so remembered
// assignments from any other revision are dropped, including ones left by
// an earlier process.
func (p *Provider) SetConfiguration(cfg *core.Configuration) error {
	if cfg == nil {
		return ErrNilConfig
	}

	prev := p.config.Swap(cfg)
	if p.metrics != nil {
		p.metrics.IncConfigurationSwaps()
	}
	p.logger.Info("configuration updated", "id", cfg.ID, "created_at", cfg.CreatedAt, "flags", len(cfg.Flags))
	for key, err := range cfg.InvalidFlags() {
		p.logger.Error("flag rejected", "flag_key", key, "error", err)
	}
	if p.cache != nil {
		p.cache.SetRevision(cfg.CreatedAt)
	}

	if p.markReady() {
		p.handlers.emit(Event{Type: EventReady})
		return nil
	}
	if prev != nil && prev.CreatedAt != cfg.CreatedAt {
		p.handlers.emit(Event{Type: EventConfigurationChanged, Message: cfg.ID})
	}
	return nil
}

// SetError records a configuration source failure. Only a provider that has
// never been ready changes status; a ready provider keeps serving its last
// configuration.
func (p *Provider) SetError(err error) {
	if err == nil {
		return
	}

	p.stateMu.Lock()
	if p.status == StatusReady {
		p.stateMu.Unlock()
		p.logger.Warn("configuration source error", "error", err)
		return
	}
	first := p.status == StatusNotReady
	p.status = StatusError
	p.lastErr = err
	if first {
		close(p.settled)
	}
	p.stateMu.Unlock()

	p.logger.Error("provider error", "error", err)
	p.handlers.emit(Event{Type: EventError, Message: err.Error(), Err: err})
}

func (p *Provider) markReady() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.status == StatusReady {
		return false
	}
	if p.status == StatusNotReady {
		close(p.settled)
	}
	p.status = StatusReady
	p.lastErr = nil
	return true
}

// OnContextChange refetches the configuration for the new context when a
// Fetcher is configured.
func (p *Provider) OnContextChange(ctx context.Context, _, next core.EvaluationContext) error {
	if p.fetcher == nil {
		return nil
	}
	cfg, err := p.fetcher.Fetch(ctx, next)
	if err != nil {
		return fmt.Errorf("fetch configuration: %w", err)
	}
	return p.SetConfiguration(cfg)
}

// Shutdown flushes the sink and releases the cache and exposure channel when
// they support it. Only the first call does any work.
func (p *Provider) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.shutdownOnce.Do(func() {
			if s, ok := p.sink.(interface{ Stop() }); ok {
				s.Stop()
			}
			if c, ok := p.cache.(interface{ Close() }); ok {
				c.Close()
			}
			if c, ok := p.channel.(interface{ Close() }); ok {
				c.Close()
			}
		})
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) ResolveBoolean(ctx context.Context, flagKey string, defaultValue bool, ec core.EvaluationContext) ResolutionDetail[bool] {
	res := p.Resolve(ctx, core.KindBoolean, flagKey, core.BoolValue(defaultValue), ec)
	return typed(res, defaultValue, core.Value.AsBool)
}

func (p *Provider) ResolveString(ctx context.Context, flagKey string, defaultValue string, ec core.EvaluationContext) ResolutionDetail[string] {
	res := p.Resolve(ctx, core.KindString, flagKey, core.StringValue(defaultValue), ec)
	return typed(res, defaultValue, core.Value.AsString)
}

// ResolveNumber serves both INTEGER and NUMERIC flags.
func (p *Provider) ResolveNumber(ctx context.Context, flagKey string, defaultValue float64, ec core.EvaluationContext) ResolutionDetail[float64] {
	res := p.Resolve(ctx, core.KindNumber, flagKey, core.NumberValue(defaultValue), ec)
	return typed(res, defaultValue, core.Value.AsNumber)
}

// ResolveObject serves JSON flags. The value is a map[string]any for a JSON
// object or a []any for a JSON array.
func (p *Provider) ResolveObject(ctx context.Context, flagKey string, defaultValue any, ec core.EvaluationContext) ResolutionDetail[any] {
	def := core.ValueOf(defaultValue)
	if !def.IsValid() || def.Kind() != core.KindObject {
		def = core.ObjectValue(nil)
	}
	res := p.Resolve(ctx, core.KindObject, flagKey, def, ec)
	return typed(res, defaultValue, core.Value.AsStructure)
}

// Resolve evaluates flagKey for the requested kind and runs the exposure and
// aggregation side effects.
func (p *Provider) Resolve(ctx context.Context, kind core.Kind, flagKey string, defaultValue core.Value, ec core.EvaluationContext) core.Resolution {
	_, span := p.tracer.Start(ctx, "variantz.resolve", trace.WithAttributes(
		attribute.String("feature_flag.key", flagKey),
		attribute.String("feature_flag.type", kind.String()),
	))
	defer span.End()

	now := p.now()
	res := p.evaluator.EvaluateAt(p.config.Load(), kind, flagKey, ec, defaultValue, now)

	span.SetAttributes(attribute.String("feature_flag.reason", string(res.Reason)))
	if res.Variant != "" {
		span.SetAttributes(attribute.String("feature_flag.variant", res.Variant))
	}
	if res.Reason == core.ReasonError {
		span.SetStatus(codes.Error, res.ErrorMessage)
		if res.ErrorCode == core.ErrorCodeGeneral {
			p.logger.Error("flag evaluation failed", "flag_key", flagKey, "error", res.ErrorMessage)
		}
	}

	if p.metrics != nil {
		p.metrics.RecordEvaluation(res.Reason)
	}
	p.recordExposure(flagKey, ec, res, now)
	if p.sink != nil {
		p.sink.AddEvaluation(flagKey, ec, res, nil)
	}
	return res
}

// recordExposure publishes a loggable assignment unless the cache has seen
// it. The cache only learns an assignment once a subscriber received it, so
// an exposure resolved while nobody listens is published on a later resolve.
func (p *Provider) recordExposure(flagKey string, ec core.EvaluationContext, res core.Resolution, now time.Time) {
	event, ok := exposure.NewEvent(flagKey, ec, res, now)
	if !ok {
		return
	}

	if p.cache != nil {
		unlock := p.exposureLocks.lock(exposure.KeyFingerprint(event))
		defer unlock()

		if p.cache.Has(event) {
			if p.metrics != nil {
				p.metrics.IncExposuresDeduplicated()
			}
			return
		}
	}

	if p.channel == nil || !p.channel.HasSubscribers() {
		return
	}
	if !p.channel.Publish(event) {
		p.logger.Debug("exposure not delivered", "flag_key", flagKey, "variant", event.Variant.Key)
		return
	}
	if p.cache != nil {
		p.cache.Set(event)
	}
	if p.metrics != nil {
		p.metrics.IncExposuresPublished()
	}
	p.logger.Debug("exposure published", "flag_key", flagKey, "allocation_key", event.Allocation.Key, "variant", event.Variant.Key)
}

func typed[T any](res core.Resolution, fallback T, extract func(core.Value) (T, bool)) ResolutionDetail[T] {
	value, ok := extract(res.Value)
	if !ok {
		value = fallback
	}
	return ResolutionDetail[T]{
		Value:        value,
		Reason:       res.Reason,
		Variant:      res.Variant,
		ErrorCode:    res.ErrorCode,
		ErrorMessage: res.ErrorMessage,
		Metadata:     res.Metadata,
		ExtraLogging: res.ExtraLogging,
	}
}
