package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matt-riley/variantz/internal/core"
)

const maxBatchSize = 100

// requestError is a client mistake; transports report it as a 400 or
// InvalidArgument.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

type evaluateRequest struct {
	FlagKey      string                 `json:"flag_key"`
	Type         string                 `json:"type"`
	DefaultValue *core.Value            `json:"default_value"`
	Context      core.EvaluationContext `json:"context"`
}

// evaluateBody is either a single request or a batch under "requests".
type evaluateBody struct {
	FlagKey      string                 `json:"flag_key,omitempty"`
	Type         string                 `json:"type,omitempty"`
	DefaultValue *core.Value            `json:"default_value,omitempty"`
	Context      core.EvaluationContext `json:"context"`
	Requests     []evaluateRequest      `json:"requests,omitempty"`
}

type evaluateResult struct {
	FlagKey string `json:"flag_key"`
	core.Resolution
}

type evaluateBatchResponse struct {
	Results []evaluateResult `json:"results"`
}

// ConfigurationSummary describes the active configuration without its flags.
type ConfigurationSummary struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"created_at"`
	Format      string `json:"format,omitempty"`
	Environment string `json:"environment,omitempty"`
	FlagCount   int    `json:"flag_count"`
	// InvalidFlags maps each flag rejected at ingestion to its validation
	// error. Those flags resolve to ERROR until a corrected document arrives.
	InvalidFlags map[string]string `json:"invalid_flags,omitempty"`
}

func summarize(cfg *core.Configuration) ConfigurationSummary {
	summary := ConfigurationSummary{
		ID:          cfg.ID,
		CreatedAt:   cfg.CreatedAt,
		Format:      cfg.Format,
		Environment: cfg.Environment,
		FlagCount:   len(cfg.Flags),
	}
	for key, err := range cfg.InvalidFlags() {
		if summary.InvalidFlags == nil {
			summary.InvalidFlags = map[string]string{}
		}
		summary.InvalidFlags[key] = err.Error()
	}
	return summary
}

// evaluate runs a decoded body and returns either one evaluateResult or an
// evaluateBatchResponse.
func evaluate(ctx context.Context, p Provider, body evaluateBody) (any, error) {
	if len(body.Requests) > 0 {
		if body.FlagKey != "" || body.Type != "" || body.DefaultValue != nil {
			return nil, badRequest("use either a single request or requests, not both")
		}
		if len(body.Requests) > maxBatchSize {
			return nil, badRequest("at most %d requests per batch", maxBatchSize)
		}
		results := make([]evaluateResult, 0, len(body.Requests))
		for i, req := range body.Requests {
			res, err := evaluateOne(ctx, p, req)
			if err != nil {
				return nil, badRequest("requests[%d]: %v", i, err)
			}
			results = append(results, res)
		}
		return evaluateBatchResponse{Results: results}, nil
	}

	return evaluateOne(ctx, p, evaluateRequest{
		FlagKey:      body.FlagKey,
		Type:         body.Type,
		DefaultValue: body.DefaultValue,
		Context:      body.Context,
	})
}

func evaluateOne(ctx context.Context, p Provider, req evaluateRequest) (evaluateResult, error) {
	flagKey := strings.TrimSpace(req.FlagKey)
	if flagKey == "" {
		return evaluateResult{}, badRequest("flag_key is required")
	}
	kind := core.ParseKind(req.Type)
	if kind == core.KindInvalid {
		return evaluateResult{}, badRequest("type must be boolean, string, number or object")
	}
	if req.DefaultValue == nil || req.DefaultValue.Kind() != kind {
		return evaluateResult{}, badRequest("default_value must be a %s", kind)
	}

	res := p.Resolve(ctx, kind, flagKey, *req.DefaultValue, req.Context)
	return evaluateResult{FlagKey: flagKey, Resolution: res}, nil
}

// decodeStrict decodes exactly one JSON value from data, rejecting unknown
// fields.
func decodeStrict(data []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func applyConfiguration(p Provider, document []byte) (ConfigurationSummary, error) {
	cfg, err := core.ParseConfiguration(document)
	if err != nil {
		return ConfigurationSummary{}, &requestError{msg: err.Error()}
	}
	if err := p.SetConfiguration(cfg); err != nil {
		return ConfigurationSummary{}, fmt.Errorf("set configuration: %w", err)
	}
	return summarize(cfg), nil
}
