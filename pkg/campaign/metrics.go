package campaign

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// 指标名称
const (
	MetricIterations       = "chaosfuzz_iterations_total"
	MetricFindings         = "chaosfuzz_findings_total"
	MetricExecutorFailures = "chaosfuzz_executor_failures_total"
	MetricCoverage         = "chaosfuzz_coverage_ratio"
	MetricEpsilon          = "chaosfuzz_epsilon"
	MetricExecutionMs      = "chaosfuzz_execution_ms"
)

// Metrics 活动指标
// 多个活动注册到同一 Registerer 时共享同一组采集器
type Metrics struct {
	Iterations       *prometheus.CounterVec
	Findings         *prometheus.CounterVec
	ExecutorFailures prometheus.Counter
	Coverage         *prometheus.GaugeVec
	Epsilon          prometheus.Gauge
	ExecutionMs      prometheus.Histogram
}

// NewMetrics 创建指标并注册；reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIterations,
			Help: "Fuzzing iterations by selected action.",
		}, []string{"action"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricFindings,
			Help: "New unique findings by vulnerability category.",
		}, []string{"category"}),
		ExecutorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricExecutorFailures,
			Help: "Executor infrastructure failures.",
		}),
		Coverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricCoverage,
			Help: "Estimated coverage per target program.",
		}, []string{"program"}),
		Epsilon: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricEpsilon,
			Help: "Current exploration rate of the learner.",
		}),
		ExecutionMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricExecutionMs,
			Help:    "Executor call latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.Iterations, err = register(reg, m.Iterations); err != nil {
		return nil, err
	}
	if m.Findings, err = register(reg, m.Findings); err != nil {
		return nil, err
	}
	if m.ExecutorFailures, err = register(reg, m.ExecutorFailures); err != nil {
		return nil, err
	}
	if m.Coverage, err = register(reg, m.Coverage); err != nil {
		return nil, err
	}
	if m.Epsilon, err = register(reg, m.Epsilon); err != nil {
		return nil, err
	}
	if m.ExecutionMs, err = register(reg, m.ExecutionMs); err != nil {
		return nil, err
	}
	return m, nil
}

// register 注册采集器；同名采集器已存在时复用已有的
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
