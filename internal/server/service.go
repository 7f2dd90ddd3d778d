package server

import (
	"context"

	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/provider"
)

// Provider is the engine surface the transports need.
type Provider interface {
	Resolve(ctx context.Context, kind core.Kind, flagKey string, defaultValue core.Value, ec core.EvaluationContext) core.Resolution
	SetConfiguration(cfg *core.Configuration) error
	Configuration() *core.Configuration
	Status() provider.Status
}

var _ Provider = (*provider.Provider)(nil)
