package metrics

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
	"github.com/carelytics/dataservice/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
	running    int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	promConfig := &PrometheusConfig{
		Namespace:       "dataservice",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()

	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &PrometheusMetrics{
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	p.logger.Info("Prometheus metrics started",
		zap.String("namespace", p.config.Namespace))
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrNotRunning
	}

	p.logger.Info("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := p.buildKey(name)

	p.mu.RLock()
	vec, exists := p.counters[key]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		if vec, exists = p.counters[key]; !exists {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: p.config.Namespace,
				Subsystem: p.config.Subsystem,
				Name:      name,
			}, labelNames(labels))

			if err := p.registry.Register(vec); err != nil {
				p.mu.Unlock()
				p.logger.Error("Failed to register counter", zap.String("name", name), zap.Error(err))
				return &noopCounter{}
			}
			p.counters[key] = vec
		}
		p.mu.Unlock()
	}

	return &prometheusCounter{counter: vec.With(labels)}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := p.buildKey(name)

	p.mu.RLock()
	vec, exists := p.gauges[key]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		if vec, exists = p.gauges[key]; !exists {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: p.config.Namespace,
				Subsystem: p.config.Subsystem,
				Name:      name,
			}, labelNames(labels))

			if err := p.registry.Register(vec); err != nil {
				p.mu.Unlock()
				p.logger.Error("Failed to register gauge", zap.String("name", name), zap.Error(err))
				return &noopGauge{}
			}
			p.gauges[key] = vec
		}
		p.mu.Unlock()
	}

	return &prometheusGauge{gauge: vec.With(labels)}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := p.buildKey(name)

	p.mu.RLock()
	vec, exists := p.histograms[key]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		if vec, exists = p.histograms[key]; !exists {
			if len(buckets) == 0 {
				buckets = prometheus.DefBuckets
			}
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: p.config.Namespace,
				Subsystem: p.config.Subsystem,
				Name:      name,
				Buckets:   buckets,
			}, labelNames(labels))

			if err := p.registry.Register(vec); err != nil {
				p.mu.Unlock()
				p.logger.Error("Failed to register histogram", zap.String("name", name), zap.Error(err))
				return &noopHistogram{}
			}
			p.histograms[key] = vec
		}
		p.mu.Unlock()
	}

	return &prometheusHistogram{histogram: vec.With(labels)}
}

// GetMetrics renders the registry in the Prometheus text exposition format.
func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather metrics")
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return nil, types.WrapError(err, "failed to encode metric family")
		}
	}

	return buf.Bytes(), nil
}

func (p *PrometheusMetrics) GetStats() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather metrics")
	}

	stats := types.MetricsStats{
		TotalMetrics: len(families),
		LastUpdate:   time.Now(),
	}

	for _, family := range families {
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			stats.CounterMetrics++
		case dto.MetricType_GAUGE:
			stats.GaugeMetrics++
		case dto.MetricType_HISTOGRAM:
			stats.HistogramMetrics++
		}
	}

	return utils.Marshal(stats)
}

func (p *PrometheusMetrics) buildKey(name string) string {
	if p.config.Subsystem != "" {
		return fmt.Sprintf("%s_%s_%s", p.config.Namespace, p.config.Subsystem, name)
	}
	return fmt.Sprintf("%s_%s", p.config.Namespace, name)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type prometheusCounter struct {
	counter prometheus.Counter
}

func (c *prometheusCounter) Inc()              { c.counter.Inc() }
func (c *prometheusCounter) Add(value float64) { c.counter.Add(value) }

type prometheusGauge struct {
	gauge prometheus.Gauge
}

func (g *prometheusGauge) Set(value float64) { g.gauge.Set(value) }
func (g *prometheusGauge) Inc()              { g.gauge.Inc() }
func (g *prometheusGauge) Dec()              { g.gauge.Dec() }

type prometheusHistogram struct {
	histogram prometheus.Observer
}

func (h *prometheusHistogram) Observe(value float64) { h.histogram.Observe(value) }
func (h *prometheusHistogram) ObserveDuration(start time.Time) {
	h.histogram.Observe(time.Since(start).Seconds())
}
