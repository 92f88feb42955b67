package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScenarioCollector bundles Prometheus metrics describing a scenario run:
// topology sizes, lifecycle transitions and course-change activity.
type ScenarioCollector struct {
	gatherer prometheus.Gatherer

	Transitions   *prometheus.CounterVec
	CourseChanges prometheus.Counter
	RunDuration   prometheus.Histogram

	ScenarioClusters prometheus.Gauge
	ScenarioNodes    prometheus.Gauge
	ScenarioFlows    prometheus.Gauge
}

// NewScenarioCollector registers scenario metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewScenarioCollector(reg prometheus.Registerer) (*ScenarioCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manet_runner_transitions_total",
		Help: "Scenario runner state transitions, labeled by source and target state.",
	}, []string{"from", "to"})
	transitions, err := registerCounterVec(reg, transitions, "manet_runner_transitions_total")
	if err != nil {
		return nil, err
	}

	courseChanges, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "manet_course_changes_total",
		Help: "Course-change notifications observed by trace subscriptions.",
	}), "manet_course_changes_total")
	if err != nil {
		return nil, err
	}

	runDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "manet_run_duration_seconds",
		Help:    "Wall-clock duration of the blocking scheduler run.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}), "manet_run_duration_seconds")
	if err != nil {
		return nil, err
	}

	clusters, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_scenario_clusters",
		Help: "Number of clusters registered in the topology.",
	}), "manet_scenario_clusters")
	if err != nil {
		return nil, err
	}
	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_scenario_nodes",
		Help: "Number of nodes registered in the topology.",
	}), "manet_scenario_nodes")
	if err != nil {
		return nil, err
	}
	flows, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manet_scenario_flows",
		Help: "Number of traffic flows installed.",
	}), "manet_scenario_flows")
	if err != nil {
		return nil, err
	}

	return &ScenarioCollector{
		gatherer:         gatherer,
		Transitions:      transitions,
		CourseChanges:    courseChanges,
		RunDuration:      runDuration,
		ScenarioClusters: clusters,
		ScenarioNodes:    nodes,
		ScenarioFlows:    flows,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ScenarioCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetTopologyCounts satisfies the kb topology metrics hook so the registry
// can drive gauge values directly from its mutators.
func (c *ScenarioCollector) SetTopologyCounts(clusters, nodes int) {
	if c == nil {
		return
	}
	if c.ScenarioClusters != nil {
		c.ScenarioClusters.Set(float64(clusters))
	}
	if c.ScenarioNodes != nil {
		c.ScenarioNodes.Set(float64(nodes))
	}
}

// SetFlowCount records the number of installed flows.
func (c *ScenarioCollector) SetFlowCount(n int) {
	if c == nil || c.ScenarioFlows == nil {
		return
	}
	c.ScenarioFlows.Set(float64(n))
}

// ObserveTransition counts a runner state change.
func (c *ScenarioCollector) ObserveTransition(from, to string) {
	if c == nil || c.Transitions == nil {
		return
	}
	c.Transitions.WithLabelValues(from, to).Inc()
}

// IncCourseChanges counts one course-change notification.
func (c *ScenarioCollector) IncCourseChanges() {
	if c == nil || c.CourseChanges == nil {
		return
	}
	c.CourseChanges.Inc()
}

// ObserveRun records how long the scheduler run took on the wall clock.
func (c *ScenarioCollector) ObserveRun(d time.Duration) {
	if c == nil || c.RunDuration == nil {
		return
	}
	c.RunDuration.Observe(d.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
