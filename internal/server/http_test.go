package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matt-riley/variantz/internal/core"
	"github.com/matt-riley/variantz/internal/provider"
)

const testConfiguration = `{
  "id": "cfg-7",
  "createdAt": "2024-04-17T19:40:53.716Z",
  "format": "SERVER",
  "environment": {"name": "Staging"},
  "flags": {
    "checkout": {
      "key": "checkout",
      "enabled": true,
      "variationType": "STRING",
      "variations": {"new": {"key": "new", "value": "new-flow"}},
      "allocations": [
        {"key": "everyone", "splits": [{"variationKey": "new", "shards": []}], "doLog": true}
      ]
    },
    "beta": {
      "key": "beta",
      "enabled": true,
      "variationType": "BOOLEAN",
      "variations": {"on": {"key": "on", "value": true}},
      "allocations": [
        {"key": "all", "splits": [{"variationKey": "on", "shards": []}], "doLog": false}
      ]
    }
  }
}`

func readyProvider(t *testing.T) *provider.Provider {
	t.Helper()
	p := provider.New()
	cfg, err := core.ParseConfiguration([]byte(testConfiguration))
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	if err := p.SetConfiguration(cfg); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}
	return p
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHandlerEvaluateSingle(t *testing.T) {
	h := NewHTTPHandler(readyProvider(t))

	rec := serve(t, h, http.MethodPost, "/v1/evaluate",
		`{"flag_key":"checkout","type":"string","default_value":"old-flow","context":{"targeting_key":"alice"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	var got struct {
		FlagKey string `json:"flag_key"`
		Value   string `json:"value"`
		Reason  string `json:"reason"`
		Variant string `json:"variant"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.FlagKey != "checkout" || got.Value != "new-flow" || got.Variant != "new" || got.Reason != string(core.ReasonTargetingMatch) {
		t.Fatalf("response = %+v", got)
	}
}

func TestHTTPHandlerEvaluateBatch(t *testing.T) {
	h := NewHTTPHandler(readyProvider(t))

	rec := serve(t, h, http.MethodPost, "/v1/evaluate", `{"requests":[
		{"flag_key":"beta","type":"boolean","default_value":false,"context":{"targeting_key":"alice"}},
		{"flag_key":"missing","type":"number","default_value":4,"context":{"targeting_key":"alice"}},
		{"flag_key":"checkout","type":"bool","default_value":true,"context":{"targeting_key":"alice"}}
	]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}

	var got struct {
		Results []struct {
			FlagKey   string `json:"flag_key"`
			Value     any    `json:"value"`
			Reason    string `json:"reason"`
			ErrorCode string `json:"error_code"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(got.Results))
	}
	if got.Results[0].Value != true {
		t.Fatalf("results[0].value = %v, want true", got.Results[0].Value)
	}
	if got.Results[1].Value != 4.0 || got.Results[1].Reason != string(core.ReasonDisabled) {
		t.Fatalf("results[1] = %+v, want default with DISABLED", got.Results[1])
	}
	if got.Results[2].ErrorCode != string(core.ErrorCodeTypeMismatch) {
		t.Fatalf("results[2].error_code = %q, want %q", got.Results[2].ErrorCode, core.ErrorCodeTypeMismatch)
	}
}

func TestHTTPHandlerEvaluateRejectsBadRequests(t *testing.T) {
	h := NewHTTPHandler(readyProvider(t))

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "missing flag key", body: `{"type":"string","default_value":"x"}`, want: http.StatusBadRequest},
		{name: "unknown type", body: `{"flag_key":"checkout","type":"date","default_value":"x"}`, want: http.StatusBadRequest},
		{name: "default of wrong kind", body: `{"flag_key":"checkout","type":"string","default_value":3}`, want: http.StatusBadRequest},
		{name: "missing default", body: `{"flag_key":"checkout","type":"string"}`, want: http.StatusBadRequest},
		{name: "single and batch", body: `{"flag_key":"checkout","requests":[{"flag_key":"beta"}]}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"flag_key":"checkout","colour":"red"}`, want: http.StatusBadRequest},
		{name: "trailing data", body: `{"flag_key":"checkout"} {}`, want: http.StatusBadRequest},
		{name: "not json", body: `flag=checkout`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, http.MethodPost, "/v1/evaluate", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestHTTPHandlerEvaluateBatchLimit(t *testing.T) {
	h := NewHTTPHandler(readyProvider(t))

	item := `{"flag_key":"beta","type":"boolean","default_value":false,"context":{"targeting_key":"a"}}`
	items := make([]string, maxBatchSize+1)
	for i := range items {
		items[i] = item
	}
	rec := serve(t, h, http.MethodPost, "/v1/evaluate", `{"requests":[`+strings.Join(items, ",")+`]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerOversizedBody(t *testing.T) {
	h := NewHTTPHandler(readyProvider(t), WithMaxJSONBodySize(32))

	rec := serve(t, h, http.MethodPost, "/v1/evaluate",
		`{"flag_key":"checkout","type":"string","default_value":"`+strings.Repeat("x", 64)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHTTPHandlerConfigurationLifecycle(t *testing.T) {
	p := provider.New()
	h := NewHTTPHandler(p)

	if rec := serve(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz before load = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/configuration", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET configuration before load = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := serve(t, h, http.MethodPut, "/v1/configuration", `{"flags": 3}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT invalid configuration = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec := serve(t, h, http.MethodPut, "/v1/configuration", testConfiguration)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT configuration = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}
	var summary ConfigurationSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.ID != "cfg-7" || summary.FlagCount != 2 || summary.Environment != "Staging" {
		t.Fatalf("summary = %+v", summary)
	}

	if rec := serve(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz after load = %d, want %d", rec.Code, http.StatusOK)
	}
	rec = serve(t, h, http.MethodGet, "/v1/configuration", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"flag_count":2`) {
		t.Fatalf("GET configuration = %d %s", rec.Code, rec.Body)
	}
}

func TestHTTPHandlerMetricsRoute(t *testing.T) {
	p := readyProvider(t)

	if rec := serve(t, NewHTTPHandler(p), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without handler = %d, want %d", rec.Code, http.StatusNotFound)
	}

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("variantz_up 1\n"))
	})
	rec := serve(t, NewHTTPHandler(p, WithMetricsHandler(metricsHandler)), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "variantz_up 1\n" {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body)
	}
}

func TestHTTPHandlerAuthGuardsVersionedRoutes(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	h := NewHTTPHandler(readyProvider(t), WithAuth(deny))

	if rec := serve(t, h, http.MethodGet, "/v1/configuration", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /v1/configuration = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := serve(t, h, http.MethodPost, "/v1/evaluate", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("POST /v1/evaluate = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := serve(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want %d", rec.Code, http.StatusOK)
	}
}
