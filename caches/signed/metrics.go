package signed

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	modxcache "github.com/dgduncan/modx-cache"
)

const meterName = "github.com/dgduncan/modx-cache/caches/signed"

type metrics struct {
	lookups   metric.Int64Counter
	integrity metric.Int64Counter
	storeErrs metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	lookups, err := meter.Int64Counter(
		"modx.cache.lookups",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	integrity, err := meter.Int64Counter(
		"modx.cache.integrity_failures",
		metric.WithDescription("Stored payloads that failed verification or decoding"),
		metric.WithUnit("{payload}"),
	)
	if err != nil {
		return nil, err
	}

	storeErrs, err := meter.Int64Counter(
		"modx.cache.store_errors",
		metric.WithDescription("Backing store calls that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		lookups:   lookups,
		integrity: integrity,
		storeErrs: storeErrs,
	}, nil
}

func (m *metrics) lookup(ctx context.Context, kind modxcache.LookupKind) {
	m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", kind.String())))
}

func (m *metrics) corrupted(ctx context.Context) {
	m.integrity.Add(ctx, 1)
}

func (m *metrics) storeError(ctx context.Context, op string) {
	m.storeErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
