package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/quinnbmay/zenflo-sub001/internal/telemetry"
	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
)

// Tracing starts a server span per request. Once routing has run the span
// is renamed to the matched chi pattern, so /v1/kv/{key} stays a single
// span name however many keys exist. Health checks and metric scrapes are
// not traced.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("zenflo.request_id", chimw.GetReqID(r.Context())),
			),
		)
		defer span.End()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(attribute.String("http.route", pattern))
			}
		}
		span.SetAttributes(attribute.Int("http.response.status_code", rw.statusCode))
		if rw.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// annotateSpan tags the request span with the authenticated caller.
// Operators have no account.
func annotateSpan(ctx context.Context, id *contracts.Identity) {
	span := trace.SpanFromContext(ctx)
	if id == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.String("zenflo.auth.provider", id.Provider))
	if !id.IsOperator() {
		span.SetAttributes(attribute.String("zenflo.account_id", id.Subject))
	}
}
