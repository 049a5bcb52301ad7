package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "git.sr.ht/~jakintosh/tokensession/pkg/session"

type metrics struct {
	refreshCalls metric.Int64Counter
	retries      metric.Int64Counter
	events       metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	refreshCalls, err := meter.Int64Counter(
		"tokensession.refresh.calls",
		metric.WithDescription("Session refresh decisions, by result."),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"tokensession.request.retries",
		metric.WithDescription("Requests retried after a session refresh."),
	)
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter(
		"tokensession.events",
		metric.WithDescription("Session lifecycle events fired, by event."),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		refreshCalls: refreshCalls,
		retries:      retries,
		events:       events,
	}, nil
}

func (m *metrics) refresh(ctx context.Context, result unauthorisedResult) {
	m.refreshCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.String())))
}

func (m *metrics) retry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}

func (m *metrics) event(event Event) {
	m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", string(event))))
}
