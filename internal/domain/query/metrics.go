package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rangeSubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquery_range_subscriptions_total",
		Help: "Range subscriptions opened by region indexes, by result",
	}, []string{"result"})

	rangeSubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geoquery_range_subscriptions_active",
		Help: "Range subscriptions currently held open across all region indexes",
	})

	eventsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquery_events_total",
		Help: "Events queued for delivery to callbacks, by event type",
	}, []string{"type"})

	corruptRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_corrupt_records_total",
		Help: "Change notifications skipped because the stored record could not be decoded",
	})

	callbackPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_callback_panics_total",
		Help: "Callbacks that panicked during delivery",
	})

	cleanupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_cleanup_runs_total",
		Help: "Stale range cleanup passes",
	})
)
