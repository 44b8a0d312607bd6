package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrEthical07/authpipe/metrics"
	"github.com/MrEthical07/authpipe/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Attribute keys set on exported data points.
const (
	// ComponentKey names the pipeline part a counter belongs to: gateway,
	// stepup, monitor or session.
	ComponentKey = attribute.Key("component")
	// BoundKey carries the inclusive upper bound of a latency bucket, in
	// seconds, as in the Prometheus le label.
	BoundKey = attribute.Key("le")
)

// Source supplies the values observed on each collection cycle.
// *authpipe.Pipeline implements it.
type Source interface {
	MetricsSnapshot() metrics.Snapshot
	AuditDropped() uint64
}

type counter struct {
	id   metrics.ID
	inst metric.Int64ObservableCounter
	opt  metric.ObserveOption
}

// latency exports one histogram as a cumulative gauge per bucket bound plus
// a sample count.
type latency struct {
	id      metrics.ID
	buckets metric.Int64ObservableGauge
	bounds  [metrics.BucketCount]metric.ObserveOption
	count   metric.Int64ObservableCounter
}

// Exporter bridges pipeline counters into an OpenTelemetry Meter.
type Exporter struct {
	source       Source
	counters     []counter
	latencies    []latency
	dropped      metric.Int64ObservableCounter
	registration metric.Registration
}

// NewExporter registers observable instruments on meter and a single
// callback that reads source.
func NewExporter(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		inst, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, counter{
			id:   def.ID,
			inst: inst,
			opt:  metric.WithAttributes(ComponentKey.String(Component(def.ID))),
		})
		observables = append(observables, inst)
	}

	for _, def := range internaldefs.HistogramDefs {
		l := latency{id: def.ID}
		var err error
		if l.buckets, err = meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative samples at or below le."),
		); err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		if l.count, err = meter.Int64ObservableCounter(def.Name+"_count",
			metric.WithDescription(def.Help+" Total samples."),
		); err != nil {
			return nil, fmt.Errorf("histogram %s: %w", def.Name, err)
		}
		for i, bound := range internaldefs.HistogramBounds {
			l.bounds[i] = metric.WithAttributes(BoundKey.String(bound))
		}
		e.latencies = append(e.latencies, l)
		observables = append(observables, l.buckets, l.count)
	}

	var err error
	if e.dropped, err = meter.Int64ObservableCounter("authpipe_audit_dropped_total",
		metric.WithDescription("Audit events dropped because the dispatcher queue was full."),
	); err != nil {
		return nil, fmt.Errorf("audit dropped counter: %w", err)
	}
	observables = append(observables, e.dropped)

	if e.registration, err = meter.RegisterCallback(e.observe, observables...); err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.inst, int64(snap.Counters[c.id]), c.opt)
	}
	for _, l := range e.latencies {
		raw, ok := snap.Histograms[l.id]
		if !ok {
			// Latency collection is off.
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, n := range cumulative {
			o.ObserveInt64(l.buckets, int64(n), l.bounds[i])
		}
		o.ObserveInt64(l.count, int64(cumulative[metrics.BucketCount-1]))
	}
	o.ObserveInt64(e.dropped, int64(e.source.AuditDropped()))
	return nil
}

// Component reports which part of the pipeline records id.
func Component(id metrics.ID) string {
	switch id {
	case metrics.RequestSent, metrics.RequestUnauthorized,
		metrics.RefreshStarted, metrics.RefreshJoined, metrics.RefreshSuccess, metrics.RefreshFailure,
		metrics.Replay, metrics.ReplayUnauthorized, metrics.SessionEnded, metrics.RefreshLatency:
		return "gateway"
	case metrics.StepUpRequired, metrics.StepUpSuccess, metrics.StepUpFailure, metrics.StepUpCodeRejected,
		metrics.StepUpEnabled, metrics.StepUpDisabled, metrics.BackupCodesRegenerated:
		return "stepup"
	case metrics.IdleWarning, metrics.IdleLogout:
		return "monitor"
	default:
		return "session"
	}
}

// Close unregisters the callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
