package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics carries the worker's instrumentation. A shared registry is injected
// by the composition root so multiple workers on different chains can be
// distinguished by the chain label.
type Metrics struct {
	Cycles     prometheus.Counter
	Matched    prometheus.Counter
	Approved   prometheus.Counter
	Failures   prometheus.Counter
	OpenOffers prometheus.Gauge
}

// NewMetrics registers the worker metric set on reg, labelled by chain.
func NewMetrics(reg prometheus.Registerer, chain string) *Metrics {
	labels := prometheus.Labels{"chain": chain}
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "otcdesk_worker_cycles_total",
			Help:        "Polling cycles completed.",
			ConstLabels: labels,
		}),
		Matched: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "otcdesk_worker_offers_matched_total",
			Help:        "Open offers matched to an off-chain quote.",
			ConstLabels: labels,
		}),
		Approved: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "otcdesk_worker_approvals_submitted_total",
			Help:        "Approval transactions submitted successfully.",
			ConstLabels: labels,
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "otcdesk_worker_offer_failures_total",
			Help:        "Per-offer processing errors.",
			ConstLabels: labels,
		}),
		OpenOffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "otcdesk_worker_open_offers",
			Help:        "Open offers observed in the last cycle.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.Matched, m.Approved, m.Failures, m.OpenOffers)
	}
	return m
}

// NopMetrics returns an unregistered metric set for tests and tooling.
func NopMetrics() *Metrics {
	return NewMetrics(nil, "none")
}
