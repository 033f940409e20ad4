// Package metrics provides Prometheus metrics for the XDCC client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xdcc_transfers_total",
			Help: "Total number of pack transfers by outcome",
		},
		[]string{"outcome"},
	)

	transferBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xdcc_transfer_bytes_received_total",
			Help: "Total bytes received over DCC connections",
		},
	)

	// Catalog metrics
	listingCacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xdcc_listing_cache_reads_total",
			Help: "Listing cache reads by result",
		},
		[]string{"result"},
	)

	listingLinesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xdcc_listing_lines_skipped_total",
			Help: "Listing lines that failed the grammar and were skipped",
		},
	)
)

// RecordTransfer records a completed transfer attempt.
// Outcome is one of: success, interrupted, timeout, protocol_error.
func RecordTransfer(outcome string) {
	transfersTotal.WithLabelValues(outcome).Inc()
}

// AddBytesReceived adds to the DCC byte counter.
func AddBytesReceived(n int) {
	transferBytesReceived.Add(float64(n))
}

// RecordCacheRead records a listing cache hit or miss.
func RecordCacheRead(hit bool) {
	if hit {
		listingCacheReads.WithLabelValues("hit").Inc()
	} else {
		listingCacheReads.WithLabelValues("miss").Inc()
	}
}

// RecordLineSkipped records a malformed listing line.
func RecordLineSkipped() {
	listingLinesSkipped.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
