package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "task-client/api"
	observationEvent = "observability.event"
	gatewayDomain    = "task-client.gateway"
	metricsMessage   = "gateway.call.metrics"
)

type callMetrics struct {
	logger   *log.Logger
	span     trace.Span
	start    time.Time
	name     string
	method   string
	route    string
	attempts int
	items    int
}

func newCallMetrics(ctx context.Context, logger *log.Logger, name, method, route string) (*callMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "api."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
	return &callMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		name:   name,
		method: method,
		route:  route,
	}, ctx
}

func (m *callMetrics) ObserveAttempt() {
	m.attempts++
}

func (m *callMetrics) SetItems(n int) {
	if n < 0 {
		n = 0
	}
	m.items = n
}

func (m *callMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)
	totalMs := durationToMillis(time.Since(m.start))

	attrs := []attribute.KeyValue{
		attribute.String("event.name", m.name),
		attribute.String("event.domain", gatewayDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.String("http.method", m.method),
		attribute.String("http.route", m.route),
		attribute.Int("retry.attempts", m.attempts),
		attribute.Float64("gateway.total_ms", totalMs),
	}
	if status > 0 {
		attrs = append(attrs, attribute.Int("http.status_code", status))
	}
	if m.items > 0 {
		attrs = append(attrs, attribute.Int("gateway.items", m.items))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observationEvent, trace.WithAttributes(attrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"call":            m.name,
		"method":          m.method,
		"route":           m.route,
		"status":          status,
		"attempts":        m.attempts,
		"total_ms":        totalMs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.items > 0 {
		fields["items"] = m.items
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(metricsMessage)
	case "WARN":
		entry.Warn(metricsMessage)
	default:
		entry.Info(metricsMessage)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil && status < 400:
		return "ERROR", 17
	case status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
