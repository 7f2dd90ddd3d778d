// Package grpc provides a gRPC client for the variantz server.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	variantz "github.com/matt-riley/variantz/clients/go"
	"github.com/matt-riley/variantz/internal/server"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the variantz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements variantz.Evaluator and variantz.ConfigurationPusher over gRPC.
type Client struct {
	cfg  Config
	stub *server.EvaluationServiceClient
	conn *grpc.ClientConn
}

var (
	_ variantz.Evaluator           = (*Client)(nil)
	_ variantz.ConfigurationPusher = (*Client)(nil)
)

// NewGRPCClient creates a client for the variantz gRPC server. Call Close()
// when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("variantz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, stub: server.NewEvaluationServiceClient(conn), conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func toStruct(v any) (*structpb.Struct, error) {
	var m map[string]any
	if err := variantz.Remarshal(v, &m); err != nil {
		return nil, fmt.Errorf("variantz: encode request: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("variantz: encode request: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	if err := variantz.Remarshal(s.AsMap(), out); err != nil {
		return fmt.Errorf("variantz: decode response: %w", err)
	}
	return nil
}

func (c *Client) Evaluate(ctx context.Context, req variantz.EvaluateRequest) (variantz.Result, error) {
	fallback := variantz.Result{FlagKey: req.FlagKey, Value: req.DefaultValue}
	in, err := toStruct(req)
	if err != nil {
		return fallback, err
	}
	resp, err := c.stub.Evaluate(c.authCtx(ctx), in)
	if err != nil {
		return fallback, fmt.Errorf("variantz: Evaluate: %w", err)
	}
	var out variantz.Result
	if err := fromStruct(resp, &out); err != nil {
		return fallback, err
	}
	return out, nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []variantz.EvaluateRequest) ([]variantz.Result, error) {
	in, err := toStruct(variantz.BatchRequest{Requests: reqs})
	if err != nil {
		return nil, err
	}
	resp, err := c.stub.Evaluate(c.authCtx(ctx), in)
	if err != nil {
		return nil, fmt.Errorf("variantz: Evaluate: %w", err)
	}
	var out variantz.BatchResponse
	if err := fromStruct(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// SetConfiguration uploads a UFC document. document must be a JSON object.
func (c *Client) SetConfiguration(ctx context.Context, document []byte) (variantz.ConfigurationSummary, error) {
	in := &structpb.Struct{}
	if err := in.UnmarshalJSON(document); err != nil {
		return variantz.ConfigurationSummary{}, fmt.Errorf("variantz: configuration is not a JSON object: %w", err)
	}
	resp, err := c.stub.SetConfiguration(c.authCtx(ctx), in)
	if err != nil {
		return variantz.ConfigurationSummary{}, fmt.Errorf("variantz: SetConfiguration: %w", err)
	}
	var out variantz.ConfigurationSummary
	if err := fromStruct(resp, &out); err != nil {
		return variantz.ConfigurationSummary{}, err
	}
	return out, nil
}
