package monitoring

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KubernetesLabels holds Kubernetes metadata labels
var (
	kubernetesNamespace = os.Getenv("KUBERNETES_NAMESPACE")
	kubernetesPodName   = os.Getenv("KUBERNETES_POD_NAME")
	helmReleaseName     = os.Getenv("HELM_RELEASE_NAME")
	helmChartVersion    = os.Getenv("HELM_CHART_VERSION")
)

// getKubernetesLabels returns the Kubernetes labels for metrics
func getKubernetesLabels() prometheus.Labels {
	labels := prometheus.Labels{}

	if kubernetesNamespace != "" {
		labels["kubernetes_namespace"] = kubernetesNamespace
	}
	if kubernetesPodName != "" {
		labels["kubernetes_pod_name"] = kubernetesPodName
	}
	if helmReleaseName != "" {
		labels["helm_release"] = helmReleaseName
	}
	if helmChartVersion != "" {
		labels["helm_chart_version"] = helmChartVersion
	}

	return labels
}

// Registry with Kubernetes labels
var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(prometheus.WrapRegistererWith(getKubernetesLabels(), registry))
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry all proxy metrics are registered on.
func Registry() *prometheus.Registry {
	return registry
}

// Prometheus metrics for the S3 bucket proxy
var (
	// HTTP Request metrics
	RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3bp_requests_total",
			Help: "Total number of HTTP requests by endpoint and status class",
		},
		[]string{"method", "endpoint", "status_class"},
	)

	ResponseBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3bp_response_bytes_total",
			Help: "Response body bytes written to clients",
		},
		[]string{"endpoint"},
	)

	RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3bp_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	ActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3bp_active_connections",
			Help: "Number of active connections",
		},
	)

	// Proxy pipeline metrics
	ProxyRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3bp_proxy_requests_total",
			Help: "Proxied requests by addressing style and outcome",
		},
		[]string{"style", "outcome"},
	)

	StageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "s3bp_stage_duration_seconds",
			Help:    "Time spent in each stage of the proxy pipeline",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	UpstreamResponsesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3bp_upstream_responses_total",
			Help: "Responses received from upstream endpoints by status class",
		},
		[]string{"status_class"},
	)

	DirectoryLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "s3bp_directory_lookups_total",
			Help: "Bucket directory lookups by backend and result",
		},
		[]string{"backend", "result"},
	)

	BytesBuffered = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "s3bp_payload_bytes_buffered_total",
			Help: "Request body bytes buffered to compute payload hashes",
		},
	)

	// Server metrics
	ServerInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "s3bp_server_info",
			Help: "Server build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// BuildInfo is the build reported by the server info gauge and /info.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var (
	buildMu sync.RWMutex
	build   = BuildInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"}
)

// SetServerInfo sets server build information
func SetServerInfo(version, commit, buildTime string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	ServerInfo.DeleteLabelValues(build.Version, build.Commit, build.BuildTime)
	build = BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	ServerInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

func currentBuild() BuildInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return build
}

// RecordProxyRequest counts a finished pipeline run
func RecordProxyRequest(style, outcome string) {
	ProxyRequestsTotal.WithLabelValues(style, outcome).Inc()
}

// RecordStage records how long one pipeline stage took
func RecordStage(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordUpstreamStatus counts an upstream response by its status class
func RecordUpstreamStatus(statusCode int) {
	UpstreamResponsesTotal.WithLabelValues(statusClass(statusCode)).Inc()
}

// RecordDirectoryLookup counts a directory lookup
func RecordDirectoryLookup(backend, result string) {
	DirectoryLookupsTotal.WithLabelValues(backend, result).Inc()
}

// RecordBufferedBytes counts body bytes read into memory for hashing
func RecordBufferedBytes(n int64) {
	BytesBuffered.Add(float64(n))
}

// statusClass maps a status code to "1xx" ... "5xx", and "other" for non-standard codes
func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return "other"
}
