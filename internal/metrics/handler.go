package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the operator summary endpoint.
type Summary struct {
	HTTP          httpSummary        `json:"http"`
	Auth          map[string]float64 `json:"auth"`
	Sessions      map[string]float64 `json:"sessions"`
	Cache         cacheSummary       `json:"cache"`
	RateLimit     float64            `json:"rateLimitRejections"`
	Notifications notifySummary      `json:"notifications"`
	DB            dbInfo             `json:"db"`
	Server        serverInfo         `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	InFlight      float64 `json:"inFlight"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type cacheSummary struct {
	Hits    float64 `json:"hits"`
	Misses  float64 `json:"misses"`
	Errors  float64 `json:"errors"`
	HitRate float64 `json:"hitRate"`
}

type notifySummary struct {
	Sent   float64 `json:"sent"`
	Failed float64 `json:"failed"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
	EmptyAcquires float64 `json:"emptyAcquires"`
}

// Handler returns an http.HandlerFunc that serves a JSON digest of the
// registry for dashboards that do not speak Prometheus.
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

// Summarize gathers the registry and reduces it to a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	hits := counterWithLabel(fam["taskforge_membership_cache_lookups_total"], "result", "hit")
	misses := counterWithLabel(fam["taskforge_membership_cache_lookups_total"], "result", "miss")
	cacheErrs := counterWithLabel(fam["taskforge_membership_cache_lookups_total"], "result", "error")
	var hitRate float64
	if total := hits + misses + cacheErrs; total > 0 {
		hitRate = hits / total
	}

	start := gaugeValue(fam["taskforge_server_start_time_seconds"])
	latency := fam["taskforge_http_request_duration_seconds"]

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["taskforge_http_requests_total"]),
			InFlight:      gaugeValue(fam["taskforge_http_in_flight_requests"]),
			ErrorRate:     computeErrorRate(fam["taskforge_http_requests_total"]),
			P50Latency:    histogramPercentile(latency, 0.50),
			P95Latency:    histogramPercentile(latency, 0.95),
			P99Latency:    histogramPercentile(latency, 0.99),
		},
		Auth:     countersByLabel(fam["taskforge_auth_outcomes_total"], "outcome"),
		Sessions: countersByLabel(fam["taskforge_session_operations_total"], "outcome"),
		Cache: cacheSummary{
			Hits:    hits,
			Misses:  misses,
			Errors:  cacheErrs,
			HitRate: hitRate,
		},
		RateLimit: sumCounter(fam["taskforge_ratelimit_rejections_total"]),
		Notifications: notifySummary{
			Sent:   sumCounterWithLabel(fam["taskforge_notifications_total"], "status", "sent"),
			Failed: sumCounterWithLabel(fam["taskforge_notifications_total"], "status", "failed"),
		},
		DB: dbInfo{
			TotalConns:    gaugeWithLabel(fam["taskforge_db_pool_conns"], "state", "total"),
			IdleConns:     gaugeWithLabel(fam["taskforge_db_pool_conns"], "state", "idle"),
			AcquiredConns: gaugeWithLabel(fam["taskforge_db_pool_conns"], "state", "acquired"),
			MaxConns:      gaugeWithLabel(fam["taskforge_db_pool_conns"], "state", "max"),
			EmptyAcquires: sumCounter(fam["taskforge_db_pool_empty_acquires_total"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
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

func gaugeWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// countersByLabel sums a counter family grouped by one label's values.
func countersByLabel(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

// computeErrorRate is the share of requests answered with a 5xx.
func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '5' {
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

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
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

	// Every sample landed in +Inf; report the last finite bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
