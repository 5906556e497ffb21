package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	errordefs "github.com/qrseal/qrseal-go/internal/errors"
	"github.com/qrseal/qrseal-go/internal/event"
	"github.com/qrseal/qrseal-go/internal/telemetry"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// withMiddleware applies correlation ids, rate limiting, authentication,
// tracing, metrics and request logging to h.
func (m *Mux) withMiddleware(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get(headerCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(headerCorrelationID, correlationID)

		ctx, span := telemetry.Tracer().Start(event.WithCorrelationID(r.Context(), correlationID), "http."+name)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("correlation_id", correlationID),
		)
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			if m.metrics != nil {
				labels := []string{r.Method, name, strconv.Itoa(status)}
				m.metrics.HTTPRequestTotal.WithLabelValues(labels...).Inc()
				m.metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			}
			m.logRequest(r, status, time.Since(start), rec.err)
		}()

		if m.limiter != nil && !m.limiter.Allow(clientKey(r)) {
			rec.err = errors.New("rate limit exceeded")
			m.writeErrorDef(rec, errordefs.New(errordefs.QRS_RATE_LIMIT, "rate limit exceeded", correlationID))
			return
		}

		if m.auth != nil && r.Method == http.MethodPost {
			subject, err := m.authenticate(r)
			if err != nil {
				rec.err = err
				m.writeErrorDef(rec, err.WithCorrelationID(correlationID))
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
		}

		h(rec, r)
	}
}

// authenticate validates the bearer token and returns its subject.
func (m *Mux) authenticate(r *http.Request) (string, *errordefs.Error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.QRS_AUTHN, "missing Authorization header", "")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.QRS_AUTHN, "invalid Authorization header format", "")
	}

	claims, err := m.auth.Validate(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errordefs.New(errordefs.QRS_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", errordefs.New(errordefs.QRS_JWT_MALFORMED, "malformed JWT", "")
	case err != nil:
		return "", errordefs.New(errordefs.QRS_JWT_INVALID, "invalid JWT", "")
	}
	if claims.Subject == "" {
		return "", errordefs.New(errordefs.QRS_JWT_INVALID, "missing or invalid sub claim", "")
	}
	return claims.Subject, nil
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows each client rps requests per second with the given
// burst. Clients idle for ten minutes are forgotten.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		l.evict(now)
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// evict drops clients idle for longer than l.idle. Callers hold l.mu.
func (l *RateLimiter) evict(now time.Time) {
	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idle {
			delete(l.clients, k)
		}
	}
}
