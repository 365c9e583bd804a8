package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Counter{name: name, help: help, labels: labels}
	r.counters[name] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[name] = g
	return g
}

// NewHistogram creates and registers a histogram. Nil buckets select
// DefaultBuckets.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buckets == nil {
		buckets = DefaultBuckets()
	}

	h := &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns latency buckets in seconds, sized for calls to
// remote models and stores.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
}

// Inc increments a counter by 1.
func (c *Counter) Inc() {
	c.Add(1)
}

// Add adds a value to the counter.
func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the counter value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set sets the gauge value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Add adds a value to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Value returns the gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text format, sorted by name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		c.mu.Lock()
		writeMetric(w, c.name, "counter", c.help, c.labels, c.value)
		c.mu.Unlock()
	}

	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		g.mu.Lock()
		writeMetric(w, g.name, "gauge", g.help, g.labels, g.value)
		g.mu.Unlock()
	}

	for _, name := range sortedKeys(r.histos) {
		h := r.histos[name]
		h.mu.Lock()
		writeHistogram(w, h)
		h.mu.Unlock()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeMetric(w io.Writer, name, metricType, help string, labels map[string]string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s%s %s\n", name, formatLabels(labels), formatFloat(value))
}

func writeHistogram(w io.Writer, h *Histogram) {
	fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)

	// Buckets are cumulative by construction: Observe counts every bound
	// the value fits under.
	for i, bound := range h.buckets {
		labels := copyLabels(h.labels)
		labels["le"] = formatFloat(bound)
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(labels), h.counts[i])
	}

	labels := copyLabels(h.labels)
	labels["le"] = "+Inf"
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(labels), h.count)
	fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labels), h.count)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metrics holds the pdfrag counters and histograms.
type Metrics struct {
	Registry *MetricsRegistry

	// Indexing
	IndexRunsTotal      *Counter
	IndexSkippedTotal   *Counter
	IndexErrorsTotal    *Counter
	ChunksWrittenTotal  *Counter
	ChunksReplacedTotal *Counter
	IndexDuration       *Histogram

	// Retrieval
	SearchesTotal      *Counter
	SearchErrorsTotal  *Counter
	SearchDuration     *Histogram
	AnswersTotal       *Counter
	AnswerErrorsTotal  *Counter
	AnswerDuration     *Histogram
	ChunksDroppedTotal *Counter
	LastContextChars   *Gauge

	// LLM
	LLMRequestsTotal   *Counter
	LLMRequestDuration *Histogram
	LLMTokensTotal     *Counter
	LLMErrorsTotal     *Counter
	EmbedRequestsTotal *Counter
	EmbedErrorsTotal   *Counter
}

// NewMetrics registers the pdfrag metrics on a fresh registry.
func NewMetrics() *Metrics {
	r := NewMetricsRegistry()

	return &Metrics{
		Registry: r,

		IndexRunsTotal:      r.NewCounter("pdfrag_index_runs_total", "Total document index runs", nil),
		IndexSkippedTotal:   r.NewCounter("pdfrag_index_skipped_total", "Index runs skipped because the document was already indexed", nil),
		IndexErrorsTotal:    r.NewCounter("pdfrag_index_errors_total", "Failed index runs", nil),
		ChunksWrittenTotal:  r.NewCounter("pdfrag_chunks_written_total", "Chunks written to the vector store", nil),
		ChunksReplacedTotal: r.NewCounter("pdfrag_chunks_replaced_total", "Chunks deleted by forced reindexing or removal", nil),
		IndexDuration:       r.NewHistogram("pdfrag_index_duration_seconds", "Document index duration", nil, nil),

		SearchesTotal:      r.NewCounter("pdfrag_searches_total", "Total similarity searches", nil),
		SearchErrorsTotal:  r.NewCounter("pdfrag_search_errors_total", "Failed similarity searches", nil),
		SearchDuration:     r.NewHistogram("pdfrag_search_duration_seconds", "Similarity search duration", nil, nil),
		AnswersTotal:       r.NewCounter("pdfrag_answers_total", "Total answered questions", nil),
		AnswerErrorsTotal:  r.NewCounter("pdfrag_answer_errors_total", "Failed questions", nil),
		AnswerDuration:     r.NewHistogram("pdfrag_answer_duration_seconds", "Question answering duration", nil, nil),
		ChunksDroppedTotal: r.NewCounter("pdfrag_context_chunks_dropped_total", "Retrieved chunks dropped by the context budget", nil),
		LastContextChars:   r.NewGauge("pdfrag_context_chars", "Characters of context sent with the latest question", nil),

		LLMRequestsTotal:   r.NewCounter("pdfrag_llm_requests_total", "Total LLM completion requests", nil),
		LLMRequestDuration: r.NewHistogram("pdfrag_llm_request_duration_seconds", "LLM completion duration", nil, nil),
		LLMTokensTotal:     r.NewCounter("pdfrag_llm_tokens_total", "Total tokens used", nil),
		LLMErrorsTotal:     r.NewCounter("pdfrag_llm_errors_total", "Total LLM errors", nil),
		EmbedRequestsTotal: r.NewCounter("pdfrag_embed_requests_total", "Total embedding requests", nil),
		EmbedErrorsTotal:   r.NewCounter("pdfrag_embed_errors_total", "Failed embedding requests", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordIndex records one indexing run.
func (m *Metrics) RecordIndex(duration time.Duration, chunks, replaced int, skipped bool, err error) {
	m.IndexRunsTotal.Inc()
	m.IndexDuration.Observe(duration.Seconds())
	switch {
	case err != nil:
		m.IndexErrorsTotal.Inc()
	case skipped:
		m.IndexSkippedTotal.Inc()
	default:
		m.ChunksWrittenTotal.Add(float64(chunks))
	}
	m.ChunksReplacedTotal.Add(float64(replaced))
}

// RecordRemove records a source removal.
func (m *Metrics) RecordRemove(removed int) {
	m.ChunksReplacedTotal.Add(float64(removed))
}

// RecordSearch records one similarity search.
func (m *Metrics) RecordSearch(duration time.Duration, err error) {
	m.SearchesTotal.Inc()
	m.SearchDuration.Observe(duration.Seconds())
	if err != nil {
		m.SearchErrorsTotal.Inc()
	}
}

// RecordAnswer records one answered question.
func (m *Metrics) RecordAnswer(duration time.Duration, dropped, contextChars int, err error) {
	m.AnswersTotal.Inc()
	m.AnswerDuration.Observe(duration.Seconds())
	if err != nil {
		m.AnswerErrorsTotal.Inc()
		return
	}
	m.ChunksDroppedTotal.Add(float64(dropped))
	m.LastContextChars.Set(float64(contextChars))
}

// RecordLLMRequest records an LLM completion request.
func (m *Metrics) RecordLLMRequest(duration time.Duration, tokens int, err error) {
	m.LLMRequestsTotal.Inc()
	m.LLMRequestDuration.Observe(duration.Seconds())
	m.LLMTokensTotal.Add(float64(tokens))
	if err != nil {
		m.LLMErrorsTotal.Inc()
	}
}

// RecordEmbed records an embedding request.
func (m *Metrics) RecordEmbed(err error) {
	m.EmbedRequestsTotal.Inc()
	if err != nil {
		m.EmbedErrorsTotal.Inc()
	}
}
