package service

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 执行器相关的 Prometheus 指标，nil 接收者安全（测试中可不注册）
type Metrics struct {
	providerCalls       *prometheus.CounterVec
	providerLatency     *prometheus.HistogramVec
	batchItems          *prometheus.CounterVec
	experimentsActive   prometheus.Gauge
	experimentsFinished *prometheus.CounterVec
	queueDepth          prometheus.Gauge
}

// MustNewMetrics 注册到给定 registerer；重复注册时复用已存在的 collector
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aibench",
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aibench",
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Latency of a single provider call.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aibench",
			Subsystem: "executor",
			Name:      "batch_items_total",
			Help:      "Batch items written by answer type and parse result.",
		}, []string{"answer_type", "parse_success"}),
		experimentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aibench",
			Subsystem: "executor",
			Name:      "experiments_active",
			Help:      "Experiments currently being executed.",
		}),
		experimentsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aibench",
			Subsystem: "executor",
			Name:      "experiments_finished_total",
			Help:      "Experiments that reached a terminal status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aibench",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Experiments waiting in the task queue.",
		}),
	}

	m.providerCalls = registerCounterVec(reg, m.providerCalls)
	m.providerLatency = registerHistogramVec(reg, m.providerLatency)
	m.batchItems = registerCounterVec(reg, m.batchItems)
	m.experimentsActive = registerGauge(reg, m.experimentsActive)
	m.experimentsFinished = registerCounterVec(reg, m.experimentsFinished)
	m.queueDepth = registerGauge(reg, m.queueDepth)
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return h
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

func (m *Metrics) ObserveProviderCall(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) IncBatchItem(answerType string, parseSuccess bool) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(answerType, strconv.FormatBool(parseSuccess)).Inc()
}

func (m *Metrics) ExperimentStarted() {
	if m == nil {
		return
	}
	m.experimentsActive.Inc()
}

func (m *Metrics) ExperimentDone(status string) {
	if m == nil {
		return
	}
	m.experimentsActive.Dec()
	m.experimentsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
