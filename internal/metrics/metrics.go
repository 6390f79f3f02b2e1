package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the Surveyor service
type Metrics struct {
	// Audit pipeline metrics
	PagesTotal   *prometheus.CounterVec
	PageDuration *prometheus.HistogramVec
	PageRetries  *prometheus.CounterVec
	ActiveItems  *prometheus.GaugeVec

	// Browser pool metrics
	BrowserSessions    *prometheus.GaugeVec
	BrowserLaunches    *prometheus.CounterVec
	NavigationDuration *prometheus.HistogramVec

	// WebSocket hub metrics
	HubConnections  *prometheus.GaugeVec
	HubMessages     *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}
