package indexstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricsInstrumentationName = "github.com/codescope/indexstore"

var defaultMeter = otel.Meter(metricsInstrumentationName)

// Metrics holds the metric instruments shared by the pool and the
// performance layer.
type Metrics struct {
	connectionsActive  metric.Int64UpDownCounter
	connectionsCreated metric.Int64Counter
	connectionDuration metric.Float64Histogram

	queriesTotal  metric.Int64Counter
	queryDuration metric.Float64Histogram

	transactionsTotal   metric.Int64Counter
	transactionDuration metric.Float64Histogram

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

// newMetrics builds the instrument set. Instrument registration errors
// leave individual instruments nil; recording guards against that.
func newMetrics(provider metric.MeterProvider) *Metrics {
	var meter metric.Meter
	if provider != nil {
		meter = provider.Meter(metricsInstrumentationName)
	} else {
		meter = defaultMeter
	}

	m := &Metrics{}

	m.connectionsActive, _ = meter.Int64UpDownCounter(
		"indexstore_connections_active",
		metric.WithDescription("Number of borrowed pool connections"),
	)
	m.connectionsCreated, _ = meter.Int64Counter(
		"indexstore_connections_created_total",
		metric.WithDescription("Total physical connections created"),
	)
	m.connectionDuration, _ = meter.Float64Histogram(
		"indexstore_connection_duration_seconds",
		metric.WithDescription("Lifetime of pooled connections"),
		metric.WithUnit("s"),
	)

	m.queriesTotal, _ = meter.Int64Counter(
		"indexstore_queries_total",
		metric.WithDescription("Total statements executed"),
	)
	m.queryDuration, _ = meter.Float64Histogram(
		"indexstore_query_duration_seconds",
		metric.WithDescription("Statement execution duration"),
		metric.WithUnit("s"),
	)

	m.transactionsTotal, _ = meter.Int64Counter(
		"indexstore_transactions_total",
		metric.WithDescription("Total transactions executed"),
	)
	m.transactionDuration, _ = meter.Float64Histogram(
		"indexstore_transaction_duration_seconds",
		metric.WithDescription("Transaction duration"),
		metric.WithUnit("s"),
	)

	m.cacheHits, _ = meter.Int64Counter(
		"indexstore_query_cache_hits_total",
		metric.WithDescription("Query cache hits"),
	)
	m.cacheMisses, _ = meter.Int64Counter(
		"indexstore_query_cache_misses_total",
		metric.WithDescription("Query cache misses"),
	)

	return m
}

// EnableMetrics turns metric recording on or off for this pool.
func (p *ConnectionPool) EnableMetrics(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled && p.metrics == nil {
		p.metrics = newMetrics(nil)
	} else if !enabled {
		p.metrics = nil
	}
}

// SetMeterProvider routes instruments through a custom provider.
func (p *ConnectionPool) SetMeterProvider(provider metric.MeterProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = newMetrics(provider)
}

func (p *ConnectionPool) recordConnectionCreated(ctx context.Context) {
	m := p.metrics
	if m == nil || m.connectionsCreated == nil {
		return
	}
	m.connectionsCreated.Add(ctx, 1)
}

func (p *ConnectionPool) recordConnectionAcquired(ctx context.Context) {
	m := p.metrics
	if m == nil || m.connectionsActive == nil {
		return
	}
	m.connectionsActive.Add(ctx, 1)
}

func (p *ConnectionPool) recordConnectionReleased(ctx context.Context, lifetime time.Duration) {
	m := p.metrics
	if m == nil || m.connectionsActive == nil || m.connectionDuration == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, lifetime.Seconds())
}

func (m *Metrics) recordQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil || m.queriesTotal == nil || m.queryDuration == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}
	m.queriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) recordTransaction(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.transactionsTotal == nil || m.transactionDuration == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	m.transactionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.transactionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) recordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		if m.cacheHits != nil {
			m.cacheHits.Add(ctx, 1)
		}
		return
	}
	if m.cacheMisses != nil {
		m.cacheMisses.Add(ctx, 1)
	}
}
