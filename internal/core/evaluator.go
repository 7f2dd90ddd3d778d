package core

import (
	"errors"
	"fmt"
	"time"
)

type Reason string

const (
	ReasonTargetingMatch Reason = "TARGETING_MATCH"
	ReasonDefault        Reason = "DEFAULT"
	ReasonDisabled       Reason = "DISABLED"
	ReasonError          Reason = "ERROR"
)

type ErrorCode string

const (
	ErrorCodeTargetingKeyMissing ErrorCode = "TARGETING_KEY_MISSING"
	ErrorCodeTypeMismatch        ErrorCode = "TYPE_MISMATCH"
	ErrorCodeGeneral             ErrorCode = "GENERAL"
	ErrorCodeProviderNotReady    ErrorCode = "PROVIDER_NOT_READY"
	ErrorCodeParseError          ErrorCode = "PARSE_ERROR"
)

// ErrInvalidConfiguration is wrapped by every error describing a malformed
// configuration document or flag.
var ErrInvalidConfiguration = errors.New("invalid configuration")

type ConfigurationError struct {
	FlagKey string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.FlagKey == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: flag %q: %s", e.FlagKey, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

type Metadata struct {
	AllocationKey string        `json:"allocation_key,omitempty"`
	DoLog         bool          `json:"do_log"`
	VariationType VariationType `json:"variation_type,omitempty"`
}

// Resolution is the outcome of one flag evaluation. Value always holds
// something usable: either the selected variation or the caller's default.
type Resolution struct {
	Value        Value             `json:"value"`
	Reason       Reason            `json:"reason"`
	Variant      string            `json:"variant,omitempty"`
	ErrorCode    ErrorCode         `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     *Metadata         `json:"flag_metadata,omitempty"`
	ExtraLogging map[string]string `json:"extra_logging,omitempty"`
}

// UsedDefault reports whether the caller's default was returned.
func (r Resolution) UsedDefault() bool {
	return r.Reason == ReasonDefault || r.Reason == ReasonError || r.Reason == ReasonDisabled
}

func errorResolution(defaultValue Value, code ErrorCode, message string) Resolution {
	return Resolution{
		Value:        defaultValue,
		Reason:       ReasonError,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// Evaluator resolves flags against a configuration snapshot. It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	sharder Sharder
	now     func() time.Time
}

type Option func(*Evaluator)

// WithSharder replaces the MD5 sharder, mostly for deterministic tests.
func WithSharder(sharder Sharder) Option {
	return func(e *Evaluator) { e.sharder = sharder }
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{sharder: MD5Sharder{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate resolves flagKey with the MD5 sharder at the given instant.
func Evaluate(cfg *Configuration, requested Kind, flagKey string, ec EvaluationContext, defaultValue Value, now time.Time) Resolution {
	return defaultEvaluator.EvaluateAt(cfg, requested, flagKey, ec, defaultValue, now)
}

// Evaluate resolves flagKey using the evaluator's clock.
func (e *Evaluator) Evaluate(cfg *Configuration, requested Kind, flagKey string, ec EvaluationContext, defaultValue Value) Resolution {
	return e.EvaluateAt(cfg, requested, flagKey, ec, defaultValue, e.now())
}

func (e *Evaluator) EvaluateAt(cfg *Configuration, requested Kind, flagKey string, ec EvaluationContext, defaultValue Value, now time.Time) (res Resolution) {
	defer func() {
		if r := recover(); r != nil {
			res = errorResolution(defaultValue, ErrorCodeGeneral, fmt.Sprintf("evaluate flag %q: %v", flagKey, r))
		}
	}()

	if ec.TargetingKey == "" {
		return errorResolution(defaultValue, ErrorCodeTargetingKeyMissing, "targeting key is required")
	}
	if cfg == nil {
		return errorResolution(defaultValue, ErrorCodeProviderNotReady, "configuration not loaded")
	}

	flag := cfg.Flags[flagKey]
	if flag == nil || !flag.Enabled {
		return Resolution{Value: defaultValue, Reason: ReasonDisabled}
	}
	if flag.err != nil {
		return errorResolution(defaultValue, ErrorCodeGeneral, flag.err.Error())
	}

	if err := checkType(flag, requested); err != nil {
		return errorResolution(defaultValue, ErrorCodeTypeMismatch, err.Error())
	}

	selection, err := SelectAllocation(e.sharder, flag, ec.TargetingKey, subjectAttributes(ec), now)
	if err != nil {
		return errorResolution(defaultValue, ErrorCodeGeneral, err.Error())
	}
	if !selection.Matched() {
		return Resolution{Value: defaultValue, Reason: ReasonDefault}
	}

	return Resolution{
		Value:   selection.Variation.Value,
		Reason:  ReasonTargetingMatch,
		Variant: selection.Variation.Key,
		Metadata: &Metadata{
			AllocationKey: selection.Allocation.Key,
			DoLog:         selection.Allocation.DoLog,
			VariationType: flag.VariationType,
		},
		ExtraLogging: selection.Split.ExtraLogging,
	}
}

func checkType(flag *Flag, requested Kind) error {
	if kindOf(flag.VariationType) != requested {
		return fmt.Errorf("flag %q has variation type %s, requested %s", flag.Key, flag.VariationType, requested)
	}
	for key, variation := range flag.Variations {
		if !variation.Value.conforms(flag.VariationType) {
			return fmt.Errorf("flag %q variation %q is not a valid %s", flag.Key, key, flag.VariationType)
		}
	}
	return nil
}

// subjectAttributes exposes the subject key to rules as "id" unless the
// caller already set that attribute.
func subjectAttributes(ec EvaluationContext) map[string]any {
	if _, ok := ec.Attributes["id"]; ok {
		return ec.Attributes
	}
	attributes := make(map[string]any, len(ec.Attributes)+1)
	for k, v := range ec.Attributes {
		attributes[k] = v
	}
	attributes["id"] = ec.TargetingKey
	return attributes
}
