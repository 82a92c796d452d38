package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/livinlefevreloca/dropscout/internal/telemetry"
)

// Error codes returned in APIError
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// APIResponse wraps every successful response body
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError wraps every error response body
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type requestIDKey struct{}

// RequestIDFromContext returns the ID withRequestID attached, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID keeps the caller's X-Request-ID or assigns one, and echoes
// it back.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// recorder remembers the status a handler wrote. The event stream flushes
// through it and the agent bridge hijacks through it.
type recorder struct {
	http.ResponseWriter
	status int
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection cannot be hijacked")
	}
	return h.Hijack()
}

var (
	tracer    = telemetry.Tracer("dropscout/http")
	httpMeter = telemetry.Meter("dropscout/http")
)

// instrument runs each request inside a span, counts it by route and logs
// one line when it ends. Event streams log when the client goes away.
func instrument(logger *slog.Logger, next http.Handler) http.Handler {
	requests, _ := httpMeter.Int64Counter("dropscout.http.requests",
		metric.WithDescription("API requests by route and status"),
	)
	latency, _ := httpMeter.Float64Histogram("dropscout.http.duration",
		metric.WithUnit("ms"),
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("request_id", RequestIDFromContext(r.Context()))),
		)
		defer span.End()

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		// The mux fills in Pattern on the request it was handed.
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", rec.status))

		attrs := metric.WithAttributes(attribute.String("route", route), attribute.Int("status", rec.status))
		requests.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "http request",
			"route", route,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", RequestIDFromContext(ctx),
			"trace_id", span.SpanContext().TraceID().String())
	})
}

// recoverPanics answers 500 when a handler panics.
func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("http handler panic",
					"panic", v,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()))
				respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func meta(r *http.Request) ResponseMeta {
	return ResponseMeta{
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

func respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Data: data, Meta: meta(r)})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: ErrorDetail{Code: code, Message: message}, Meta: meta(r)})
}

// decodeJSON rejects unknown fields so a misspelt option is an error.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
