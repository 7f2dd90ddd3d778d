package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestHTTPRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	type observation struct {
		method, route string
		status        int
	}
	var seen []observation
	observe := func(method, route string, status int, _ time.Duration) {
		seen = append(seen, observation{method, route, status})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		if !ok || id == "" {
			t.Error("request id missing from context")
		}
		if LoggerFromContext(r.Context(), nil) == nil {
			t.Error("request logger missing from context")
		}
		w.WriteHeader(http.StatusBadRequest)
	})
	handler := HTTPRequestLogging(logger, observe)(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	id := rec.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("%s = %q, want a UUID: %v", RequestIDHeader, id, err)
	}
	if len(seen) != 1 || seen[0] != (observation{"POST", "POST /v1/evaluate", http.StatusBadRequest}) {
		t.Fatalf("observations = %+v", seen)
	}

	records := decodeRecords(t, &buf)
	if len(records) != 1 {
		t.Fatalf("log records = %d, want 1", len(records))
	}
	got := records[0]
	if got["request_id"] != id || got["status_code"] != 400.0 || got["route"] != "POST /v1/evaluate" {
		t.Fatalf("record = %v", got)
	}
}

func TestHTTPRequestLoggingKeepsIncomingID(t *testing.T) {
	handler := HTTPRequestLogging(nil, nil)(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "trace-abc" {
		t.Fatalf("%s = %q, want trace-abc", RequestIDHeader, got)
	}
}

func TestRequestID(t *testing.T) {
	if got := requestID("abc-123"); got != "abc-123" {
		t.Fatalf("requestID(valid) = %q", got)
	}
	for _, bad := range []string{"", "has space", "tab\there", strings.Repeat("x", maxRequestIDLength+1)} {
		if got := requestID(bad); uuid.Validate(got) != nil {
			t.Fatalf("requestID(%q) = %q, want a fresh UUID", bad, got)
		}
	}
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	interceptor := UnaryRequestLoggingInterceptor(logger)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "grpc-1"))
	info := &grpc.UnaryServerInfo{FullMethod: "/variantz.v1.EvaluationService/Evaluate"}
	_, err := interceptor(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
		if id, _ := RequestIDFromContext(ctx); id != "grpc-1" {
			t.Errorf("request id = %q, want grpc-1", id)
		}
		return nil, status.Error(codes.InvalidArgument, "bad")
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("error = %v", err)
	}

	records := decodeRecords(t, &buf)
	if len(records) != 1 || records[0]["status_code"] != "InvalidArgument" || records[0]["request_id"] != "grpc-1" {
		t.Fatalf("records = %v", records)
	}
}
