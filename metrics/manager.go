package metrics

import (
	"time"

	"github.com/carelytics/dataservice/types"
)

var customMetricsCreators = make(map[string]types.MetricsManagerCreator)

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators[metricsManagerName] = creator
}

// NewManager returns the configured metrics backend, or a no-op manager when
// metrics are disabled so callers never branch on availability.
func NewManager(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return &noopManager{}, nil
	}

	metricsType := config.Type
	if metricsType == "" {
		metricsType = "prometheus"
	}

	switch metricsType {
	case "prometheus":
		return NewPrometheusMetrics(logger, config)
	default:
		if creator, exists := customMetricsCreators[metricsType]; exists {
			return creator(config.Config)
		}
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsType)
	}
}

type noopManager struct{}

func (n *noopManager) Start() error    { return nil }
func (n *noopManager) Stop() error     { return nil }
func (n *noopManager) IsRunning() bool { return true }

func (n *noopManager) Counter(_ string, _ map[string]string) types.Counter { return &noopCounter{} }
func (n *noopManager) Gauge(_ string, _ map[string]string) types.Gauge     { return &noopGauge{} }
func (n *noopManager) Histogram(_ string, _ []float64, _ map[string]string) types.Histogram {
	return &noopHistogram{}
}

func (n *noopManager) GetMetrics() ([]byte, error) { return nil, nil }
func (n *noopManager) GetStats() ([]byte, error)   { return nil, nil }

type noopCounter struct{}

func (c *noopCounter) Inc()          {}
func (c *noopCounter) Add(_ float64) {}

type noopGauge struct{}

func (g *noopGauge) Set(_ float64) {}
func (g *noopGauge) Inc()          {}
func (g *noopGauge) Dec()          {}

type noopHistogram struct{}

func (h *noopHistogram) Observe(_ float64)           {}
func (h *noopHistogram) ObserveDuration(_ time.Time) {}
