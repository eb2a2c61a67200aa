package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrEthical07/clinicauth"
	"github.com/MrEthical07/clinicauth/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is satisfied by *clinicauth.Engine.
type Source interface {
	MetricsSnapshot() clinicauth.MetricsSnapshot
	AuditDropped() uint64
}

type counter struct {
	id         clinicauth.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter keeps the callback registration alive until Close.
type Exporter struct {
	source       Source
	registration metric.Registration

	counters      []counter
	auditDropped  metric.Int64ObservableCounter
	latencyBucket metric.Int64ObservableGauge
	latencyCount  metric.Int64ObservableGauge
	bucketAttrs   []metric.ObserveOption
}

func NewExporter(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	observables := make([]metric.Observable, 0, len(internaldefs.Counters)+3)

	for _, def := range internaldefs.Counters {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, counter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	var err error
	if e.auditDropped, err = meter.Int64ObservableCounter(
		internaldefs.AuditDroppedName,
		metric.WithDescription(internaldefs.AuditDroppedHelp),
	); err != nil {
		return nil, fmt.Errorf("create counter %s: %w", internaldefs.AuditDroppedName, err)
	}

	latency := internaldefs.LookupLatency
	if e.latencyBucket, err = meter.Int64ObservableGauge(
		latency.Name+"_bucket",
		metric.WithDescription(latency.Help+" Cumulative count per upper bound."),
	); err != nil {
		return nil, fmt.Errorf("create gauge %s_bucket: %w", latency.Name, err)
	}
	if e.latencyCount, err = meter.Int64ObservableGauge(
		latency.Name+"_count",
		metric.WithDescription(latency.Help+" Total observations."),
	); err != nil {
		return nil, fmt.Errorf("create gauge %s_count: %w", latency.Name, err)
	}
	for _, b := range internaldefs.Buckets() {
		e.bucketAttrs = append(e.bucketAttrs, metric.WithAttributes(attribute.String("le", b.LE)))
	}
	observables = append(observables, e.auditDropped, e.latencyBucket, e.latencyCount)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.instrument, int64(snap.Counters[c.id]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))

	raw, ok := snap.Histograms[internaldefs.LookupLatency.ID]
	if !ok {
		return nil
	}
	cumulative := internaldefs.Cumulative(raw)
	for i, attrs := range e.bucketAttrs {
		o.ObserveInt64(e.latencyBucket, int64(cumulative[i]), attrs)
	}
	o.ObserveInt64(e.latencyCount, int64(cumulative[len(cumulative)-1]))
	return nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
