package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/variantz/internal/config"
	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/exposure"
	"github.com/matt-riley/variantz/internal/metrics"
	"github.com/matt-riley/variantz/internal/middleware"
	"github.com/matt-riley/variantz/internal/provider"
)

const flagDocument = `{
  "id": "cfg-main",
  "createdAt": "2024-06-01T00:00:00Z",
  "flags": {
    "search": {
      "key": "search",
      "enabled": true,
      "variationType": "STRING",
      "variations": {"v2": {"key": "v2", "value": "v2"}},
      "allocations": [{"key": "all", "splits": [{"variationKey": "v2", "shards": []}], "doLog": true}]
    }
  }
}`

var discard = slog.New(slog.DiscardHandler)

func writeFlagDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write flag document: %v", err)
	}
	return path
}

func mustHashAPIKey(t *testing.T, apiKey string) string {
	t.Helper()

	hash, err := middleware.HashAPIKey(apiKey)
	if err != nil {
		t.Fatalf("HashAPIKey(%q) error = %v", apiKey, err)
	}

	return hash
}

func readyProvider(t *testing.T) *provider.Provider {
	t.Helper()
	p := provider.New()
	cfg, err := loadConfiguration(writeFlagDocument(t, flagDocument))
	if err != nil {
		t.Fatalf("loadConfiguration() error = %v", err)
	}
	if err := p.SetConfiguration(cfg); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}
	return p
}

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	m := metrics.New(nil)
	validator := middleware.NewHashValidator(mustHashAPIKey(t, "s3cret"))
	handler := newHTTPHandler(readyProvider(t), config.Config{MaxJSONBodySize: 1 << 20}, discard, m, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/%76%31/configuration", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/configuration", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if got := rec.Header().Get(middleware.RequestIDHeader); got == "" {
			t.Fatal("response has no request id")
		}
	})

	if got := testutil.ToFloat64(m.AuthFailuresTotal); got != 0 {
		t.Fatalf("auth failures without WithOnAuthFailure = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/configuration", "200")); got != 1 {
		t.Fatalf("requests for GET /v1/configuration = %v, want 1", got)
	}
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	m := metrics.New(nil)
	validator := middleware.NewHashValidator(mustHashAPIKey(t, "s3cret"))
	handler := newHTTPHandler(readyProvider(t), config.Config{}, discard, m, validator,
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }))

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("unknown routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("bad key is counted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := testutil.ToFloat64(m.AuthFailuresTotal); got != 1 {
			t.Fatalf("auth failures = %v, want 1", got)
		}
	})
}

func TestNewHTTPHandlerWithoutKeyIsOpen(t *testing.T) {
	handler := newHTTPHandler(readyProvider(t), config.Config{}, discard, metrics.New(nil), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate",
		strings.NewReader(`{"flag_key":"search","type":"string","default_value":"v1","context":{"targeting_key":"u1"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"value":"v2"`) {
		t.Fatalf("evaluate = %d %s", rec.Code, rec.Body)
	}
}

func TestNewAssignmentCache(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(nil)

	tests := []struct {
		name    string
		cfg     config.Config
		wantNil bool
	}{
		{name: "none", cfg: config.Config{AssignmentCache: config.CacheNone}, wantNil: true},
		{name: "memory", cfg: config.Config{AssignmentCache: config.CacheMemory, AssignmentCacheSize: 4}},
		{name: "file", cfg: config.Config{
			AssignmentCache:     config.CacheFile,
			AssignmentCacheFile: filepath.Join(t.TempDir(), "fingerprints.json"),
		}},
	}

	event := exposure.Event{
		Flag:       exposure.Ref{Key: "search"},
		Allocation: exposure.Ref{Key: "all"},
		Variant:    exposure.Ref{Key: "v2"},
		Subject:    exposure.Subject{ID: "u1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, closeStorage, err := newAssignmentCache(ctx, tt.cfg, discard, m)
			if err != nil {
				t.Fatalf("newAssignmentCache() error = %v", err)
			}
			defer closeStorage()

			if tt.wantNil {
				if cache != nil {
					t.Fatalf("newAssignmentCache() = %T, want nil", cache)
				}
				return
			}
			if cache.Has(event) {
				t.Fatal("Has() = true before Set")
			}
			cache.Set(event)
			if !cache.Has(event) {
				t.Fatal("Has() = false after Set")
			}
		})
	}

	t.Run("bad redis url", func(t *testing.T) {
		cfg := config.Config{AssignmentCache: config.CacheRedis, RedisURL: "nope://"}
		if _, _, err := newAssignmentCache(ctx, cfg, discard, m); err == nil {
			t.Fatal("newAssignmentCache() error = nil, want error")
		}
	})
}

func TestStartProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("loads the configuration file", func(t *testing.T) {
		p := provider.New(provider.WithInitTimeout(time.Second))
		if err := startProvider(ctx, p, writeFlagDocument(t, flagDocument), discard); err != nil {
			t.Fatalf("startProvider() error = %v", err)
		}
		if p.Status() != provider.StatusReady {
			t.Fatalf("Status() = %v, want %v", p.Status(), provider.StatusReady)
		}
		if got := p.Configuration().ID; got != "cfg-main" {
			t.Fatalf("Configuration().ID = %q, want cfg-main", got)
		}
	})

	t.Run("rejects an invalid file", func(t *testing.T) {
		p := provider.New()
		err := startProvider(ctx, p, writeFlagDocument(t, `{"flags":[]}`), discard)
		if !errors.Is(err, core.ErrInvalidConfiguration) {
			t.Fatalf("startProvider() error = %v, want ErrInvalidConfiguration", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		p := provider.New()
		if err := startProvider(ctx, p, filepath.Join(t.TempDir(), "absent.json"), discard); err == nil {
			t.Fatal("startProvider() error = nil, want error")
		}
	})

	t.Run("no path waits in the background", func(t *testing.T) {
		p := provider.New(provider.WithInitTimeout(time.Minute))
		if err := startProvider(ctx, p, "", discard); err != nil {
			t.Fatalf("startProvider() error = %v", err)
		}
		if p.Status() != provider.StatusNotReady {
			t.Fatalf("Status() = %v, want %v", p.Status(), provider.StatusNotReady)
		}
	})
}

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func TestPruneFingerprintsRunsImmediatelyAndStops(t *testing.T) {
	m := metrics.New(nil)
	pruner := &fakePruner{n: 3}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	before := time.Now()
	go func() {
		defer close(done)
		pruneFingerprints(ctx, pruner, 24*time.Hour, m, discard)
	}()

	deadline := time.After(2 * time.Second)
	for testutil.ToFloat64(m.FingerprintsPrunedTotal) != 3 {
		select {
		case <-deadline:
			t.Fatal("first prune did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if len(pruner.cutoffs) != 1 {
		t.Fatalf("PruneBefore calls = %d, want 1", len(pruner.cutoffs))
	}
	if want := before.Add(-24 * time.Hour); pruner.cutoffs[0].Before(want) {
		t.Fatalf("cutoff = %v, want at or after %v", pruner.cutoffs[0], want)
	}
}
