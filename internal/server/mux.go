// Package server implements the HTTP handlers and routing for qrseald.
// It exposes fingerprinting, binding and steganography endpoints with
// optional JWT authentication, rate limiting and CORS.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errordefs "github.com/qrseal/qrseal-go/internal/errors"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/jwks"
	"github.com/qrseal/qrseal-go/internal/metrics"
	"github.com/qrseal/qrseal-go/internal/service"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeySubject stores the JWT subject of an authenticated request.
	ContextKeySubject ContextKey = "subject"

	headerCorrelationID = "X-Correlation-Id"

	defaultMaxUpload = 20 << 20
	multipartMemory  = 8 << 20
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*jwks.Claims, error)
}

// Limiter decides whether a client may make another request.
type Limiter interface {
	Allow(key string) bool
}

// Options configures NewMux. Every field is optional.
type Options struct {
	Auth        Authenticator // nil disables bearer authentication
	Limiter     Limiter       // nil disables rate limiting
	CORSOrigins []string      // empty denies cross-origin requests
	MaxUpload   int64         // largest request body in bytes
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Mux handles HTTP requests for qrseald.
type Mux struct {
	mux       *http.ServeMux
	svc       *service.Service
	auth      Authenticator
	limiter   Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxUpload int64
}

// NewMux creates the HTTP handler with all qrseald endpoints.
func NewMux(svc *service.Service, opts Options) http.Handler {
	m := &Mux{
		mux:       http.NewServeMux(),
		svc:       svc,
		auth:      opts.Auth,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		maxUpload: opts.MaxUpload,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.maxUpload <= 0 {
		m.maxUpload = defaultMaxUpload
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.route("/v1/documents/fingerprint", http.MethodPost, "fingerprint", m.handleFingerprint)
	m.route("/v1/bindings", http.MethodPost, "issue_binding", m.handleIssueBinding)
	m.route("/v1/bindings/list", http.MethodGet, "list_bindings", m.handleListBindings)
	m.route("/v1/bindings/preregister", http.MethodPost, "preregister", m.handlePreRegister)
	m.route("/v1/bindings/qr", http.MethodPost, "generate_qr", m.handleGenerateQR)
	m.route("/v1/bindings/verify", http.MethodPost, "verify_binding", m.handleVerifyBinding)
	m.route("/v1/bindings/inspect", http.MethodPost, "inspect_binding", m.handleInspect)
	m.route("/v1/bindings/{id}", http.MethodGet, "get_binding", m.handleGetBinding)
	m.route("/v1/stego/embed", http.MethodPost, "stego_embed", m.handleEmbed)
	m.route("/v1/stego/extract", http.MethodPost, "stego_extract", m.handleExtract)
	m.route("/v1/stego/verify", http.MethodPost, "stego_verify", m.handleVerifyStego)
	m.route("/v1/stego/analyze", http.MethodPost, "stego_analyze", m.handleAnalyze)
	m.route("/v1/stego/compatibility", http.MethodPost, "stego_compatibility", m.handleCompatibility)
	m.route("/v1/stego/metrics", http.MethodPost, "stego_metrics", m.handleQualityMetrics)

	if len(opts.CORSOrigins) == 0 {
		return m.mux
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerCorrelationID},
		ExposedHeaders: []string{headerCorrelationID, "X-Document-Id", "X-Binding-Compact"},
		MaxAge:         86400,
	})(m.mux)
}

// route registers h under path for one method with the shared middleware.
func (m *Mux) route(path, method, name string, h http.HandlerFunc) {
	m.mux.HandleFunc(path, m.method(method, m.withMiddleware(name, h)))
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			err := errordefs.New(errordefs.QRS_BAD_REQUEST, "method not allowed", r.Header.Get(headerCorrelationID))
			err.HTTPStatus = http.StatusMethodNotAllowed
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writePNG writes an image response.
func (m *Mux) writePNG(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError writes an error response following the qrseal error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// fail maps err to the error taxonomy and writes it.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	def := errordefs.FromDomain(err, event.CorrelationID(r.Context()))
	if def.HTTPStatus >= http.StatusInternalServerError {
		m.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	m.writeErrorDef(w, def)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if id := event.CorrelationID(r.Context()); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	if sub, ok := r.Context().Value(ContextKeySubject).(string); ok && sub != "" {
		attrs = append(attrs, slog.String("subject", sub))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed with error", attrs...)
	} else {
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the record store is reachable
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.svc.Ready(ctx); err != nil {
		m.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
