package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/matt-riley/variantz/internal/provider"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer exposes flag evaluation and configuration management over JSON.
type HTTPServer struct {
	provider         Provider
	logger           *slog.Logger
	maxJSONBodyBytes int64
	metricsHandler   http.Handler
	protect          func(http.Handler) http.Handler
}

type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies; non-positive values keep the
// default of 1 MiB.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithAuth wraps every /v1 route with mw. Health and metrics stay open.
func WithAuth(mw func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.protect = mw }
}

func WithLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewHTTPHandler(p Provider, opts ...HTTPOption) http.Handler {
	if p == nil {
		panic("provider is nil")
	}

	s := &HTTPServer{
		provider:         p,
		logger:           slog.New(slog.DiscardHandler),
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
		protect:          func(h http.Handler) http.Handler { return h },
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/evaluate", s.protect(http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("PUT /v1/configuration", s.protect(http.HandlerFunc(s.handlePutConfiguration)))
	mux.Handle("GET /v1/configuration", s.protect(http.HandlerFunc(s.handleGetConfiguration)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateBody
	if err := s.decodeJSONBody(w, r, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := evaluate(r.Context(), s.provider, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePutConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeJSONError(w, http.StatusBadRequest, "configuration body is required")
		return
	}
	document, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	if err != nil {
		writeJSONDecodeError(w, normalizeJSONDecodeError(err))
		return
	}

	summary, err := applyConfiguration(s.provider, document)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleGetConfiguration(w http.ResponseWriter, _ *http.Request) {
	cfg := s.provider.Configuration()
	if cfg == nil {
		writeJSONError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, summarize(cfg))
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.provider.Status()
	if st != provider.StatusReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(st)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeJSONError(w, http.StatusBadRequest, reqErr.Error())
		return
	}
	s.logger.Error("request failed", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	if err != nil {
		return normalizeJSONDecodeError(err)
	}
	return decodeStrict(data, dst)
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
