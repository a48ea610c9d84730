// Package telemetry keeps in-process HTTP and schedule metrics and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tpsview/tpsview/internal/domain/schedule"
)

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	refreshBuckets  = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

type gaugeFunc struct {
	name, help string
	fn         func() float64
}

// Metrics is safe for concurrent use. The zero value is not usable; call
// NewMetrics.
type Metrics struct {
	mu        sync.RWMutex
	requests  map[string]*histogram // method|route|status
	refreshes *histogram
	active    int64

	schedMu       sync.RWMutex
	statusCounts  map[schedule.Status]int
	widened       bool
	lastRefreshed time.Time

	gauges []gaugeFunc
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:     make(map[string]*histogram),
		refreshes:    newHistogram(refreshBuckets),
		statusCounts: make(map[schedule.Status]int),
	}
}

// LabelsKey builds the key of a per-route request histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(durationBuckets)
		m.requests[key] = h
	}
	return h
}

// RegisterGauge adds a gauge whose value is read at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.mu.Lock()
	m.gauges = append(m.gauges, gaugeFunc{name: name, help: help, fn: fn})
	m.mu.Unlock()
}

// ScheduleRefreshed records the outcome of one background refresh.
func (m *Metrics) ScheduleRefreshed(s *schedule.Schedule, took time.Duration) {
	m.refreshes.Observe(took.Seconds())

	counts := make(map[schedule.Status]int, len(schedule.Statuses()))
	for _, rec := range s.Records {
		counts[rec.Status]++
	}

	m.schedMu.Lock()
	m.statusCounts = counts
	m.widened = s.Widened
	m.lastRefreshed = time.Now()
	m.schedMu.Unlock()
}

// Middleware records request duration by method, route and status code.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			atomic.AddInt64(&m.active, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(c.Request().Method, route, strconv.Itoa(c.Response().Status))
			m.requestHistogram(key).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// Handler serves all metrics at GET /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.RLock()
		keys := make([]string, 0, len(m.requests))
		for k := range m.requests {
			keys = append(keys, k)
		}
		requests := make(map[string]*histogram, len(m.requests))
		for k, h := range m.requests {
			requests[k] = h
		}
		gauges := append([]gaugeFunc(nil), m.gauges...)
		m.mu.RUnlock()
		sort.Strings(keys)

		writeHeader(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
		for _, key := range keys {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, requests[key])
		}
		b.WriteByte('\n')

		writeHeader(&b, "http_server_active_requests", "Number of in-flight HTTP requests.", "gauge")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

		writeHeader(&b, "tps_schedule_refresh_duration_seconds", "Duration of background schedule refreshes.", "histogram")
		writeHistogram(&b, "tps_schedule_refresh_duration_seconds", "", m.refreshes)
		b.WriteByte('\n')

		m.schedMu.RLock()
		writeHeader(&b, "tps_schedule_records", "Records in the last refreshed schedule by status.", "gauge")
		for _, s := range schedule.Statuses() {
			fmt.Fprintf(&b, "tps_schedule_records{status=%q} %d\n", string(s), m.statusCounts[s])
		}
		b.WriteByte('\n')

		widened := 0
		if m.widened {
			widened = 1
		}
		writeHeader(&b, "tps_schedule_widened", "Whether the last refresh fell back to recent examinations.", "gauge")
		fmt.Fprintf(&b, "tps_schedule_widened %d\n\n", widened)

		var last float64
		if !m.lastRefreshed.IsZero() {
			last = float64(m.lastRefreshed.Unix())
		}
		m.schedMu.RUnlock()
		writeHeader(&b, "tps_schedule_last_refresh_timestamp_seconds", "Unix time of the last schedule refresh.", "gauge")
		fmt.Fprintf(&b, "tps_schedule_last_refresh_timestamp_seconds %g\n\n", last)

		for _, g := range gauges {
			writeHeader(&b, g.name, g.help, "gauge")
			fmt.Fprintf(&b, "%s %g\n\n", g.name, g.fn())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
