package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Namespace prefixes every exported metric name.
const Namespace = "channelrelay"

// Registry holds named counters and gauge callbacks.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	gauges   map[string]gauge
}

type gauge struct {
	help string
	fn   func() float64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		counters: make(map[string]*atomic.Int64),
		gauges:   make(map[string]gauge),
	}
}

// Inc adds delta to the counter called name, creating it if needed.
func (r *Registry) Inc(name string, delta int) {
	r.counter(name).Add(int64(delta))
}

// Value returns the current value of the counter called name.
func (r *Registry) Value(name string) int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; !ok {
		c = new(atomic.Int64)
		r.counters[name] = c
	}
	return c
}

// Gauge registers fn to be sampled for the gauge called name at scrape time.
// Registering the same name again replaces the callback.
func (r *Registry) Gauge(name, help string, fn func() float64) {
	r.mu.Lock()
	r.gauges[name] = gauge{help: help, fn: fn}
	r.mu.Unlock()
}

// Gather snapshots every counter and gauge into metric families sorted by name.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.RLock()
	counters := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.Load()
	}
	gauges := make(map[string]gauge, len(r.gauges))
	for name, g := range r.gauges {
		gauges[name] = g
	}
	r.mu.RUnlock()

	out := make([]*dto.MetricFamily, 0, len(counters)+len(gauges))
	for name, v := range counters {
		out = append(out, &dto.MetricFamily{
			Name: proto.String(Namespace + "_" + name + "_total"),
			Help: proto.String("Total " + name + "."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(v))},
			}},
		})
	}
	// Gauge callbacks run outside the registry lock; they may take other locks.
	for name, g := range gauges {
		out = append(out, &dto.MetricFamily{
			Name: proto.String(Namespace + "_" + name),
			Help: proto.String(g.help),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(g.fn())},
			}},
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		for _, mf := range r.Gather() {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				slog.Warn("metrics: write exposition", "metric", mf.GetName(), "err", err)
				return
			}
		}
	})
}
