package telemetry

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type requestSpanKey struct{}

// InstrumentResty wraps every request of client in a client span. A nil tp
// means the global tracer provider.
func InstrumentResty(client *resty.Client, tp trace.TracerProvider) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer("certscraper/http")

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		ctx, span := tracer.Start(req.Context(), fmt.Sprintf("http %s", req.Method),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("http.url", req.URL)),
		)
		req.SetContext(context.WithValue(ctx, requestSpanKey{}, span))
		return nil
	})

	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		span, ok := requestSpan(res.Request.Context())
		if !ok {
			return nil
		}
		defer span.End()

		span.SetAttributes(
			attribute.Int("http.status_code", res.StatusCode()),
			attribute.Int("http.response_size", len(res.Body())),
		)
		if res.IsError() {
			span.SetStatus(codes.Error, res.Status())
		}
		return nil
	})

	client.OnError(func(req *resty.Request, err error) {
		span, ok := requestSpan(req.Context())
		if !ok {
			return
		}
		defer span.End()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	})
}

// requestSpan returns the span started for this request, never a parent.
func requestSpan(ctx context.Context) (trace.Span, bool) {
	span, ok := ctx.Value(requestSpanKey{}).(trace.Span)
	return span, ok
}
