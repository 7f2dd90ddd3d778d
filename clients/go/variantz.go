// Package variantz holds the client-side types and interfaces for talking to a
// variantz server.
//
// Use the sub-packages to create transport-specific clients:
//
//	import variantzhttp "github.com/matt-riley/variantz/clients/go/http"
//	import variantzgrpc "github.com/matt-riley/variantz/clients/go/grpc"
package variantz

import (
	"context"
	"encoding/json"
)

// Evaluator resolves flags remotely.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (Result, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]Result, error)
}

// ConfigurationPusher replaces the server's flag configuration.
type ConfigurationPusher interface {
	SetConfiguration(ctx context.Context, document []byte) (ConfigurationSummary, error)
}

// Flag value types accepted by the server.
const (
	TypeBoolean = "boolean"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeObject  = "object"
)

type EvaluationContext struct {
	TargetingKey string         `json:"targeting_key,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// EvaluateRequest asks for one flag. DefaultValue must match Type.
type EvaluateRequest struct {
	FlagKey      string            `json:"flag_key"`
	Type         string            `json:"type"`
	DefaultValue any               `json:"default_value"`
	Context      EvaluationContext `json:"context"`
}

type FlagMetadata struct {
	AllocationKey string `json:"allocation_key,omitempty"`
	DoLog         bool   `json:"do_log"`
	VariationType string `json:"variation_type,omitempty"`
}

// Result is the server's answer for one flag. Value is always usable: on
// errors it is the default the caller sent.
type Result struct {
	FlagKey      string            `json:"flag_key"`
	Value        any               `json:"value"`
	Reason       string            `json:"reason"`
	Variant      string            `json:"variant,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     *FlagMetadata     `json:"flag_metadata,omitempty"`
	ExtraLogging map[string]string `json:"extra_logging,omitempty"`
}

// Bool returns Value as a bool, or fallback when it is not one.
func (r Result) Bool(fallback bool) bool {
	if b, ok := r.Value.(bool); ok {
		return b
	}
	return fallback
}

func (r Result) String(fallback string) string {
	if s, ok := r.Value.(string); ok {
		return s
	}
	return fallback
}

func (r Result) Number(fallback float64) float64 {
	if n, ok := r.Value.(float64); ok {
		return n
	}
	return fallback
}

type ConfigurationSummary struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"created_at"`
	Format      string `json:"format,omitempty"`
	Environment string `json:"environment,omitempty"`
	FlagCount   int    `json:"flag_count"`
	// InvalidFlags lists flags the server could not use, with the reason.
	InvalidFlags map[string]string `json:"invalid_flags,omitempty"`
}

// BatchRequest is the wire form of a batch evaluation.
type BatchRequest struct {
	Requests []EvaluateRequest `json:"requests"`
}

// BatchResponse is the wire form of a batch evaluation result.
type BatchResponse struct {
	Results []Result `json:"results"`
}

// Remarshal converts between JSON-shaped values, e.g. a struct and a
// map[string]any.
func Remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
