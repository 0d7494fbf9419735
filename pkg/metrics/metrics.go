package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// SIP signaling metrics
	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	SIPDroppedTotal   *prometheus.CounterVec
	FrameErrorsTotal  *prometheus.CounterVec

	// State metrics
	ActiveCorrelations  prometheus.Gauge
	ActiveRegistrations prometheus.Gauge
	UpstreamConnections prometheus.Gauge
	BackendRoutes       prometheus.Gauge
	ActiveMediaSessions prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siprelay_sip_requests_total",
				Help: "Total number of SIP requests relayed",
			},
			[]string{"transport", "method"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siprelay_sip_responses_total",
				Help: "Total number of SIP responses relayed",
			},
			[]string{"transport", "status_class"},
		)

		SIPDroppedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siprelay_sip_dropped_total",
				Help: "Total number of SIP messages dropped",
			},
			[]string{"transport", "reason"},
		)

		FrameErrorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siprelay_frame_errors_total",
				Help: "Total number of stream framing errors",
			},
			[]string{"code"},
		)

		ActiveCorrelations = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siprelay_active_correlations",
			Help: "Number of live Call-ID correlation entries",
		})

		ActiveRegistrations = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siprelay_active_registrations",
			Help: "Number of live registration bindings",
		})

		UpstreamConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siprelay_upstream_connections",
			Help: "Number of pooled upstream TLS connections",
		})

		BackendRoutes = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siprelay_backend_routes",
			Help: "Number of backend records in the registry",
		})

		ActiveMediaSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siprelay_active_media_sessions",
			Help: "Number of active RTP relay sessions",
		})

		registry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			SIPDroppedTotal,
			FrameErrorsTotal,
			ActiveCorrelations,
			ActiveRegistrations,
			UpstreamConnections,
			BackendRoutes,
			ActiveMediaSessions,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		logger.Debug("Prometheus metrics registered")
	})
}

// Handler returns the HTTP handler exposing the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter; safe before Init
func RecordRequest(transport, method string) {
	if SIPRequestsTotal != nil {
		SIPRequestsTotal.WithLabelValues(transport, method).Inc()
	}
}

// RecordResponse increments the response counter; safe before Init
func RecordResponse(transport string, statusCode int) {
	if SIPResponsesTotal != nil {
		SIPResponsesTotal.WithLabelValues(transport, statusClass(statusCode)).Inc()
	}
}

// RecordDrop increments the drop counter; safe before Init
func RecordDrop(transport, reason string) {
	if SIPDroppedTotal != nil {
		SIPDroppedTotal.WithLabelValues(transport, reason).Inc()
	}
}

// RecordFrameError increments the framing error counter; safe before Init
func RecordFrameError(code string) {
	if FrameErrorsTotal != nil {
		FrameErrorsTotal.WithLabelValues(code).Inc()
	}
}

// SetCorrelations updates the correlation gauge; safe before Init
func SetCorrelations(n int) {
	if ActiveCorrelations != nil {
		ActiveCorrelations.Set(float64(n))
	}
}

// SetRegistrations updates the registration gauge; safe before Init
func SetRegistrations(n int) {
	if ActiveRegistrations != nil {
		ActiveRegistrations.Set(float64(n))
	}
}

// SetUpstreamConnections updates the pool gauge; safe before Init
func SetUpstreamConnections(n int) {
	if UpstreamConnections != nil {
		UpstreamConnections.Set(float64(n))
	}
}

// SetBackendRoutes updates the registry gauge; safe before Init
func SetBackendRoutes(n int) {
	if BackendRoutes != nil {
		BackendRoutes.Set(float64(n))
	}
}

// SetMediaSessions updates the media session gauge; safe before Init
func SetMediaSessions(n int) {
	if ActiveMediaSessions != nil {
		ActiveMediaSessions.Set(float64(n))
	}
}

func statusClass(code int) string {
	switch {
	case code < 100:
		return "unknown"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	case code < 700:
		return "6xx"
	default:
		return "unknown"
	}
}
