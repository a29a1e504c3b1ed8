package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// photo uploads, analysis outcomes, and component health. It coordinates
// concurrent writers via a RWMutex while exposing atomic gauges for queue
// depth tracking.
type Recorder struct {
	mu                   sync.RWMutex
	requestCount         map[requestLabel]uint64
	requestDuration      map[requestLabel]time.Duration
	photoUploads         atomic.Uint64
	analysisOutcomes     map[string]uint64
	analysisQueueDepth   atomic.Int64
	componentHealthValue map[string]float64
	componentHealthState map[string]string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:         make(map[requestLabel]uint64),
		requestDuration:      make(map[requestLabel]time.Duration),
		analysisOutcomes:     make(map[string]uint64),
		componentHealthValue: make(map[string]float64),
		componentHealthState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// PhotoUploaded increments the accepted upload counter.
func (r *Recorder) PhotoUploaded() {
	r.photoUploads.Add(1)
}

// ObserveAnalysis records the terminal status of an analysis run
// ("ready", "failed", or "skipped").
func (r *Recorder) ObserveAnalysis(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.analysisOutcomes[normalized]++
	r.mu.Unlock()
}

// SetAnalysisQueueDepth records the number of photos waiting on a worker.
func (r *Recorder) SetAnalysisQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	r.analysisQueueDepth.Store(int64(depth))
}

// AnalysisQueueDepth exposes the current queue depth gauge.
func (r *Recorder) AnalysisQueueDepth() int64 {
	return r.analysisQueueDepth.Load()
}

// PhotoUploadCount exposes the accepted upload counter.
func (r *Recorder) PhotoUploadCount() uint64 {
	return r.photoUploads.Load()
}

// AnalysisCounts returns a copy of the analysis outcome counters for testing
// and reporting purposes.
func (r *Recorder) AnalysisCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.analysisOutcomes))
	for k, v := range r.analysisOutcomes {
		counts[k] = v
	}
	return counts
}

// SetComponentHealth normalizes component identifiers, maps status strings to
// numeric health values, and stores both representations for export.
func (r *Recorder) SetComponentHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.componentHealthValue[normalizedComponent] = value
	r.componentHealthState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.analysisOutcomes = make(map[string]uint64)
	r.componentHealthValue = make(map[string]float64)
	r.componentHealthState = make(map[string]string)
	r.photoUploads.Store(0)
	r.analysisQueueDepth.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	analysisStatuses := r.sortedAnalysisStatuses()
	components := r.sortedComponents()

	fmt.Fprintln(w, "# HELP shelfscan_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE shelfscan_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "shelfscan_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP shelfscan_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE shelfscan_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "shelfscan_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP shelfscan_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE shelfscan_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "shelfscan_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP shelfscan_photo_uploads_total Total number of accepted photo uploads")
	fmt.Fprintln(w, "# TYPE shelfscan_photo_uploads_total counter")
	fmt.Fprintf(w, "shelfscan_photo_uploads_total %d\n", r.photoUploads.Load())

	fmt.Fprintln(w, "# HELP shelfscan_photo_analyses_total Completed photo analyses by terminal status")
	fmt.Fprintln(w, "# TYPE shelfscan_photo_analyses_total counter")
	for _, status := range analysisStatuses {
		count := r.analysisOutcomes[status]
		fmt.Fprintf(w, "shelfscan_photo_analyses_total{status=\"%s\"} %d\n", status, count)
	}

	fmt.Fprintln(w, "# HELP shelfscan_analysis_queue_depth Photos waiting for an analysis worker")
	fmt.Fprintln(w, "# TYPE shelfscan_analysis_queue_depth gauge")
	fmt.Fprintf(w, "shelfscan_analysis_queue_depth %d\n", r.analysisQueueDepth.Load())

	fmt.Fprintln(w, "# HELP shelfscan_component_health Health status reported by service dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE shelfscan_component_health gauge")
	for _, component := range components {
		value := r.componentHealthValue[component]
		status := r.componentHealthState[component]
		fmt.Fprintf(w, "shelfscan_component_health{component=\"%s\",status=\"%s\"} %f\n", component, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedAnalysisStatuses() []string {
	statuses := make([]string, 0, len(r.analysisOutcomes))
	for status := range r.analysisOutcomes {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	return statuses
}

func (r *Recorder) sortedComponents() []string {
	components := make([]string, 0, len(r.componentHealthValue))
	for component := range r.componentHealthValue {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// PhotoUploaded increments the upload counter on the default recorder.
func PhotoUploaded() {
	defaultRecorder.PhotoUploaded()
}

// ObserveAnalysis records an analysis outcome on the default recorder.
func ObserveAnalysis(status string) {
	defaultRecorder.ObserveAnalysis(status)
}

// SetAnalysisQueueDepth updates the queue depth gauge on the default recorder.
func SetAnalysisQueueDepth(depth int) {
	defaultRecorder.SetAnalysisQueueDepth(depth)
}

// SetComponentHealth updates component health for the default recorder.
func SetComponentHealth(component, status string) {
	defaultRecorder.SetComponentHealth(component, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
