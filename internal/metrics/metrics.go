// Package metrics adds Prometheus instrumentation to dispatchers and the device registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const namespace = "push"

// Collector owns the service's metric vectors.
type Collector struct {
	deliveries       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchFailures *prometheus.CounterVec
	deactivated      prometheus.Counter
}

// NewCollector creates the vectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Per-token delivery outcomes by platform and result.",
			},
			[]string{"platform", "result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Wall time of one batch dispatch.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Batch dispatches that failed as a whole.",
			},
			[]string{"platform"},
		),
		deactivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "devices_deactivated_total",
				Help:      "Devices switched to inactive after a permanent delivery failure.",
			},
		),
	}
	reg.MustRegister(c.deliveries, c.dispatchDuration, c.dispatchFailures, c.deactivated)
	return c
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Dispatcher is a decorator that records outcome counts and latency.
type Dispatcher struct {
	next      dispatch.Dispatcher
	platform  string
	collector *Collector
}

func (c *Collector) WrapDispatcher(platform push.Platform, next dispatch.Dispatcher) *Dispatcher {
	return &Dispatcher{next: next, platform: string(platform), collector: c}
}

func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, n push.Notification, opts push.DeliveryOptions) (push.DispatchReport, error) {
	start := time.Now()
	report, err := d.next.Dispatch(ctx, tokens, n, opts)
	d.collector.dispatchDuration.WithLabelValues(d.platform).Observe(time.Since(start).Seconds())

	if err != nil {
		d.collector.dispatchFailures.WithLabelValues(d.platform).Inc()
		return report, err
	}
	for _, res := range report {
		d.collector.deliveries.WithLabelValues(d.platform, res.Kind.String()).Inc()
	}
	return report, nil
}

// Registry is a decorator that counts deactivations.
type Registry struct {
	dispatch.DeviceRegistry
	collector *Collector
}

func (c *Collector) WrapRegistry(next dispatch.DeviceRegistry) *Registry {
	return &Registry{DeviceRegistry: next, collector: c}
}

func (r *Registry) Deactivate(ctx context.Context, tokens []string) (int, error) {
	changed, err := r.DeviceRegistry.Deactivate(ctx, tokens)
	if changed > 0 {
		r.collector.deactivated.Add(float64(changed))
	}
	return changed, err
}
