package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP       httpSummary        `json:"http"`
	Executions executionSummary   `json:"executions"`
	Attempts   attemptSummary     `json:"attempts"`
	Breakers   breakerInfo        `json:"breakers"`
	Budget     budgetInfo         `json:"budget"`
	Alerts     map[string]float64 `json:"alerts"`
	Collector  collectorInfo      `json:"collector"`
	Auth       authInfo           `json:"auth"`
	DB         dbInfo             `json:"db"`
	Server     serverInfo         `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
	RateLimited   float64 `json:"rateLimited"`
}

type executionSummary struct {
	Total      float64            `json:"total"`
	ByStatus   map[string]float64 `json:"byStatus"`
	P50Seconds float64            `json:"p50Seconds"`
	P95Seconds float64            `json:"p95Seconds"`
}

type attemptSummary struct {
	Total         float64            `json:"total"`
	ByOutcome     map[string]float64 `json:"byOutcome"`
	P95Seconds    float64            `json:"p95Seconds"`
	RetryDelayP95 float64            `json:"retryDelayP95"`
}

type breakerInfo struct {
	Opens float64 `json:"opens"`
}

type budgetInfo struct {
	Rejections float64 `json:"rejections"`
	Spend      float64 `json:"spend"`
	Tokens     float64 `json:"tokens"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	Driver    string  `json:"driver,omitempty"`
	OpenConns float64 `json:"openConns"`
	IdleConns float64 `json:"idleConns"`
	InUse     float64 `json:"inUseConns"`
	Waits     float64 `json:"waits"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	api := withLabel("kind", "api")
	startTime := gaugeValue(fam["warden_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["warden_http_requests_total"], api),
			ErrorRate:     computeErrorRate(fam["warden_http_requests_total"], api),
			P50Latency:    histogramPercentile(fam["warden_http_request_duration_seconds"], 0.50, api),
			P95Latency:    histogramPercentile(fam["warden_http_request_duration_seconds"], 0.95, api),
			P99Latency:    histogramPercentile(fam["warden_http_request_duration_seconds"], 0.99, api),
			RateLimited:   sumCounter(fam["warden_rate_limited_total"], nil),
		},
		Executions: executionSummary{
			Total:      sumCounter(fam["warden_executions_total"], nil),
			ByStatus:   counterByLabel(fam["warden_executions_total"], "status"),
			P50Seconds: histogramPercentile(fam["warden_execution_duration_seconds"], 0.50, nil),
			P95Seconds: histogramPercentile(fam["warden_execution_duration_seconds"], 0.95, nil),
		},
		Attempts: attemptSummary{
			Total:         sumCounter(fam["warden_attempts_total"], nil),
			ByOutcome:     counterByLabel(fam["warden_attempts_total"], "outcome"),
			P95Seconds:    histogramPercentile(fam["warden_attempt_duration_seconds"], 0.95, nil),
			RetryDelayP95: histogramPercentile(fam["warden_retry_delay_seconds"], 0.95, nil),
		},
		Breakers: breakerInfo{
			Opens: sumCounter(fam["warden_breaker_opens_total"], nil),
		},
		Budget: budgetInfo{
			Rejections: sumCounter(fam["warden_budget_rejections_total"], nil),
			Spend:      sumCounter(fam["warden_spend_total"], nil),
			Tokens:     sumCounter(fam["warden_tokens_total"], nil),
		},
		Alerts: counterByLabel(fam["warden_alerts_total"], "kind"),
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["warden_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["warden_collector_flushes_total"], nil),
			FlushErrors:  sumCounter(fam["warden_collector_flushes_total"], withLabel("status", "error")),
			Records:      sumCounter(fam["warden_collector_records_total"], nil),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["warden_auth_failures_total"], nil),
			Successes: sumCounter(fam["warden_auth_successes_total"], nil),
		},
		DB: dbInfo{
			Driver:    labelValue(fam["warden_db_connection_waits_total"], "driver"),
			OpenConns: sumGauge(fam["warden_db_connections"], withLabel("state", "open")),
			IdleConns: sumGauge(fam["warden_db_connections"], withLabel("state", "idle")),
			InUse:     sumGauge(fam["warden_db_connections"], withLabel("state", "in_use")),
			Waits:     sumCounter(fam["warden_db_connection_waits_total"], nil),
		},
		Server: serverInfo{
			StartTime:     startTime,
			UptimeSeconds: float64(time.Now().Unix()) - startTime,
		},
	}, nil
}

// --- Prometheus metric helpers ---

// matcher selects series within a family. A nil matcher selects all.
type matcher func(*dto.Metric) bool

func withLabel(name, value string) matcher {
	return func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return true
			}
		}
		return false
	}
}

func (match matcher) ok(m *dto.Metric) bool {
	return match == nil || match(m)
}

func sumCounter(f *dto.MetricFamily, match matcher) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if match.ok(m) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func counterByLabel(f *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func sumGauge(f *dto.MetricFamily, match matcher) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if match.ok(m) && m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

// labelValue returns the value of label on the family's first series.
func labelValue(f *dto.MetricFamily, label string) string {
	if f == nil || len(f.GetMetric()) == 0 {
		return ""
	}
	for _, lp := range f.GetMetric()[0].GetLabel() {
		if lp.GetName() == label {
			return lp.GetValue()
		}
	}
	return ""
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func computeErrorRate(f *dto.MetricFamily, match matcher) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !match.ok(m) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from the aggregated buckets of
// the selected series using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, match matcher) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !match.ok(m) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Past the last finite bucket.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
