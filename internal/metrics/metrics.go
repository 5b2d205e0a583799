// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestDocumentsTotal       *prometheus.CounterVec
	ingestParseCallsTotal      *prometheus.CounterVec
	ingestDiscoveredItemsTotal prometheus.Counter
	ingestDispatchBatchSize    prometheus.Histogram
	busDeliveriesTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_documents_total",
				Help: "Total document status transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		ingestParseCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_parse_calls_total",
				Help: "Total parse invocations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestDiscoveredItemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_discovered_items_total",
				Help: "Total newly discovered feed items queued for crawling.",
			},
		)

		ingestDispatchBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_dispatch_batch_size",
				Help:    "Histogram of batch sizes selected per dispatcher tick.",
				Buckets: []float64{0, 1, 2, 5, 10},
			},
		)

		busDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_deliveries_total",
				Help: "Total routed queue deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDocumentStatus increments the transition counter for a status.
func ObserveDocumentStatus(status string) {
	if ingestDocumentsTotal == nil {
		return
	}
	ingestDocumentsTotal.WithLabelValues(status).Inc()
}

// ObserveParse increments the parse counter for the given outcome.
func ObserveParse(outcome string) {
	if ingestParseCallsTotal == nil {
		return
	}
	ingestParseCallsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDiscovered adds newly queued item counts from a discovery run.
func ObserveDiscovered(count int) {
	if ingestDiscoveredItemsTotal == nil || count <= 0 {
		return
	}
	ingestDiscoveredItemsTotal.Add(float64(count))
}

// ObserveBatch records the size of one dispatcher batch.
func ObserveBatch(size int) {
	if ingestDispatchBatchSize == nil {
		return
	}
	ingestDispatchBatchSize.Observe(float64(size))
}

// ObserveDelivery increments the delivery counter for the given outcome.
func ObserveDelivery(outcome string) {
	if busDeliveriesTotal == nil {
		return
	}
	busDeliveriesTotal.WithLabelValues(outcome).Inc()
}
