package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	tier             map[string]int64
	payment          map[string]int64
	verification     map[string]int64
	gauges           map[string]float64
	degradedListings int64
	storeQuery       StoreQueryStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// StoreQueryStat profiles round-trips to the external procurement
// database. LastMS is what the admin dashboard reads most often.
type StoreQueryStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Tiers            map[string]int64        `json:"tiers"`
	Payments         map[string]int64        `json:"payments"`
	Verifications    map[string]int64        `json:"verifications"`
	Gauges           map[string]float64      `json:"gauges"`
	DegradedListings int64                   `json:"degraded_listings_total"`
	StoreQueryMS     StoreQueryStat          `json:"store_query_ms"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		tier:         map[string]int64{},
		payment:      map[string]int64{},
		verification: map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveStoreQuery satisfies the procurement client's query observer.
func (r *Registry) ObserveStoreQuery(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeQuery.Count++
	r.storeQuery.TotalMS += ms
	r.storeQuery.LastMS = ms
	if ms > r.storeQuery.MaxMS {
		r.storeQuery.MaxMS = ms
	}
	r.storeQuery.AvgMS = float64(r.storeQuery.TotalMS) / float64(r.storeQuery.Count)
}

// IncTier counts listing requests by resolved access tier.
func (r *Registry) IncTier(tier string) {
	tier = strings.TrimSpace(strings.ToLower(tier))
	if tier == "" {
		return
	}
	r.mu.Lock()
	r.tier[tier]++
	r.mu.Unlock()
}

// IncDegradedListing counts listing responses served empty because the
// procurement database was unreachable.
func (r *Registry) IncDegradedListing() {
	r.mu.Lock()
	r.degradedListings++
	r.mu.Unlock()
}

// IncPayment counts payment lifecycle events by status
// (created, succeeded, canceled, duplicate).
func (r *Registry) IncPayment(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.payment[status]++
	r.mu.Unlock()
}

// IncVerification counts verification code sends by channel.
func (r *Registry) IncVerification(channel string) {
	channel = strings.TrimSpace(strings.ToLower(channel))
	if channel == "" {
		return
	}
	r.mu.Lock()
	r.verification[channel]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Tiers:            make(map[string]int64, len(r.tier)),
		Payments:         make(map[string]int64, len(r.payment)),
		Verifications:    make(map[string]int64, len(r.verification)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		DegradedListings: r.degradedListings,
		StoreQueryMS:     r.storeQuery,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.tier {
		out.Tiers[k] = v
	}
	for k, v := range r.payment {
		out.Payments[k] = v
	}
	for k, v := range r.verification {
		out.Verifications[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP xbmc_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE xbmc_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "xbmc_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP xbmc_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE xbmc_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "xbmc_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP xbmc_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE xbmc_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "xbmc_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP xbmc_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE xbmc_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "xbmc_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP xbmc_listing_tier_total listing requests by access tier\n")
		b.WriteString("# TYPE xbmc_listing_tier_total counter\n")
		for _, tier := range SortedKeys(snap.Tiers) {
			fmt.Fprintf(b, "xbmc_listing_tier_total{tier=%q} %d\n", tier, snap.Tiers[tier])
		}
		b.WriteString("# HELP xbmc_listing_degraded_total listings served empty due to store outage\n")
		b.WriteString("# TYPE xbmc_listing_degraded_total counter\n")
		fmt.Fprintf(b, "xbmc_listing_degraded_total %d\n", snap.DegradedListings)
		b.WriteString("# HELP xbmc_payment_total payment events by status\n")
		b.WriteString("# TYPE xbmc_payment_total counter\n")
		for _, status := range SortedKeys(snap.Payments) {
			fmt.Fprintf(b, "xbmc_payment_total{status=%q} %d\n", status, snap.Payments[status])
		}
		b.WriteString("# HELP xbmc_verification_total verification code sends by channel\n")
		b.WriteString("# TYPE xbmc_verification_total counter\n")
		for _, ch := range SortedKeys(snap.Verifications) {
			fmt.Fprintf(b, "xbmc_verification_total{channel=%q} %d\n", ch, snap.Verifications[ch])
		}
		b.WriteString("# HELP xbmc_store_query_ms procurement store query latency in ms\n")
		b.WriteString("# TYPE xbmc_store_query_ms gauge\n")
		fmt.Fprintf(b, "xbmc_store_query_ms{stat=%q} %d\n", "last", snap.StoreQueryMS.LastMS)
		fmt.Fprintf(b, "xbmc_store_query_ms{stat=%q} %.3f\n", "avg", snap.StoreQueryMS.AvgMS)
		fmt.Fprintf(b, "xbmc_store_query_ms{stat=%q} %d\n", "max", snap.StoreQueryMS.MaxMS)
		fmt.Fprintf(b, "xbmc_store_query_count %d\n", snap.StoreQueryMS.Count)
		b.WriteString("# HELP xbmc_gauge operational gauge metrics\n")
		b.WriteString("# TYPE xbmc_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "xbmc_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP xbmc_latency_seconds latency histogram\n")
			b.WriteString("# TYPE xbmc_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "xbmc_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "xbmc_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "xbmc_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "xbmc_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "xbmc_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "xbmc_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "xbmc_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
