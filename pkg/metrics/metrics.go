package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Families are created lazily on first use. The label key set of the first call
// fixes the family's schema; later calls with other keys are padded or trimmed.

var (
	mu         sync.Mutex
	reg        = prometheus.NewRegistry()
	counters   = map[string]*prometheus.CounterVec{}
	gauges     = map[string]*prometheus.GaugeVec{}
	summaries  = map[string]*prometheus.SummaryVec{}
	labelNames = map[string][]string{}
)

func keysOf(labels map[string]string) []string {
	ks := make([]string, 0, len(labels))
	for k := range labels {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func values(name string, labels map[string]string) []string {
	names := labelNames[name]
	out := make([]string, len(names))
	for i, k := range names {
		out[i] = labels[k]
	}
	return out
}

func counter(name string, labels map[string]string) prometheus.Counter {
	mu.Lock()
	defer mu.Unlock()
	cv, ok := counters[name]
	if !ok {
		labelNames[name] = keysOf(labels)
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames[name])
		reg.MustRegister(cv)
		counters[name] = cv
	}
	return cv.WithLabelValues(values(name, labels)...)
}

func gauge(name string, labels map[string]string) prometheus.Gauge {
	mu.Lock()
	defer mu.Unlock()
	gv, ok := gauges[name]
	if !ok {
		labelNames[name] = keysOf(labels)
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames[name])
		reg.MustRegister(gv)
		gauges[name] = gv
	}
	return gv.WithLabelValues(values(name, labels)...)
}

func summary(name string, labels map[string]string) prometheus.Observer {
	mu.Lock()
	defer mu.Unlock()
	sv, ok := summaries[name]
	if !ok {
		labelNames[name] = keysOf(labels)
		sv = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, labelNames[name])
		reg.MustRegister(sv)
		summaries[name] = sv
	}
	return sv.WithLabelValues(values(name, labels)...)
}

func Inc(name string, labels map[string]string)                 { counter(name, labels).Inc() }
func Add(name string, labels map[string]string, v float64)      { counter(name, labels).Add(v) }
func SetGauge(name string, labels map[string]string, v float64) { gauge(name, labels).Set(v) }
func AddGauge(name string, labels map[string]string, v float64) { gauge(name, labels).Add(v) }

func ObserveSummary(name string, labels map[string]string, v float64) {
	summary(name, labels).Observe(v)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		g := reg
		mu.Unlock()
		promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// DumpProm renders all families as Prometheus text. Used by tests.
func DumpProm() string {
	mu.Lock()
	g := reg
	mu.Unlock()
	mfs, err := g.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		_ = enc.Encode(mf)
	}
	return strings.TrimSpace(buf.String())
}

// Reset drops every family. Tests call it to start from a clean registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	reg = prometheus.NewRegistry()
	counters = map[string]*prometheus.CounterVec{}
	gauges = map[string]*prometheus.GaugeVec{}
	summaries = map[string]*prometheus.SummaryVec{}
	labelNames = map[string][]string{}
}
