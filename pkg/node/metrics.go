package node

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	invocations prometheus.Counter
	executions  *prometheus.CounterVec
	blocks      prometheus.Counter
	latency     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var err error
	m := &metrics{}
	if m.invocations, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "express_invocations_total",
		Help: "Read-only script invocations.",
	})); err != nil {
		return nil, err
	}
	if m.executions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "express_executions_total",
		Help: "Submitted transactions by outcome.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.blocks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "express_blocks_produced_total",
		Help: "Blocks produced by this process.",
	})); err != nil {
		return nil, err
	}
	if m.latency, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "express_execute_duration_seconds",
		Help:    "Time from submission to persisted result.",
		Buckets: prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses a collector another node already registered
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
