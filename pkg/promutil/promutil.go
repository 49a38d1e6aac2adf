// Package promutil wraps prometheus metric construction so that components
// never touch registration directly, similar in usage to promauto.
package promutil

import "github.com/prometheus/client_golang/prometheus"

// Factory produces metrics registered with a fixed Registerer. All
// constructors panic if registration fails, so metric name collisions are
// caught at construction time.
type Factory struct {
	r prometheus.Registerer
}

// With returns a Factory registering on r.
func With(r prometheus.Registerer) *Factory {
	return &Factory{r: r}
}

func (f *Factory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.r.MustRegister(c)
	return c
}

func (f *Factory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labelNames)
	f.r.MustRegister(c)
	return c
}

func (f *Factory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.r.MustRegister(g)
	return g
}

func (f *Factory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.r.MustRegister(h)
	return h
}
