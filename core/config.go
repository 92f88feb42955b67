package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/manet-simulator/model"
)

const (
	// DefaultStopTime is the scenario length used when none is configured.
	DefaultStopTime = 20 * time.Second
	// DefaultMinStopTime is the shortest run accepted by validation.
	DefaultMinStopTime = 10 * time.Second
	// DefaultPort is the UDP port used by flows that do not name one.
	DefaultPort uint16 = 9
	// DefaultEventLog is the aggregated event-log stream name.
	DefaultEventLog = "manet-simulation.tr"
	// DefaultAnimation is the animation export file name.
	DefaultAnimation = "manet-animation.json"
)

// TraceConfig selects which trace outputs are produced. Each is
// independent of the others.
type TraceConfig struct {
	// Capture enables one packet capture per cluster, named after it.
	Capture bool
	// EventLog names the aggregated event-log stream; empty disables it.
	EventLog string
	// Animation names the animation export; empty disables it.
	Animation string
	// AnimationMetadata adds per-packet metadata to the animation.
	AnimationMetadata bool
}

// ScenarioConfig holds the run-wide parameters. It is built once and not
// modified while the scenario runs.
type ScenarioConfig struct {
	StopTime    time.Duration
	MinStopTime time.Duration
	// CourseChangeTracing subscribes a position printer to every node.
	CourseChangeTracing bool
	Routing             model.Routing
	Wireless            model.WirelessConfig
	Trace               TraceConfig
}

// DefaultScenarioConfig returns the stock 20 s AODV scenario configuration
// with every trace output enabled and course-change tracing off.
func DefaultScenarioConfig() ScenarioConfig {
	return ScenarioConfig{
		StopTime:    DefaultStopTime,
		MinStopTime: DefaultMinStopTime,
		Routing:     model.RoutingAODV,
		Wireless:    model.DefaultWirelessConfig(),
		Trace: TraceConfig{
			Capture:           true,
			EventLog:          DefaultEventLog,
			Animation:         DefaultAnimation,
			AnimationMetadata: true,
		},
	}
}

// WithDefaults fills zero-valued optional fields. StopTime is never
// defaulted; a zero stop time fails validation.
func (c ScenarioConfig) WithDefaults() ScenarioConfig {
	if c.MinStopTime == 0 {
		c.MinStopTime = DefaultMinStopTime
	}
	if c.Routing == "" {
		c.Routing = model.RoutingAODV
	}
	def := model.DefaultWirelessConfig()
	if c.Wireless.Standard == "" {
		c.Wireless.Standard = def.Standard
	}
	if c.Wireless.DataMode == "" {
		c.Wireless.DataMode = def.DataMode
	}
	if c.Wireless.MAC == "" {
		c.Wireless.MAC = def.MAC
	}
	return c
}

// Validate checks the run-wide parameters. All violations are reported.
func (c ScenarioConfig) Validate() error {
	var errs []error
	if c.MinStopTime < 0 {
		errs = append(errs, fmt.Errorf("%w: minimum stop time %s is negative", ErrConfig, c.MinStopTime))
	}
	if c.StopTime < c.MinStopTime {
		errs = append(errs, fmt.Errorf("%w: stop time %s is below the minimum of %s", ErrConfig, c.StopTime, c.MinStopTime))
	}
	if c.StopTime <= 0 {
		errs = append(errs, fmt.Errorf("%w: stop time %s must be positive", ErrConfig, c.StopTime))
	}
	if _, err := model.ParseRouting(string(c.Routing)); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrConfig, err))
	}
	if c.Wireless.MAC != "" && c.Wireless.MAC != model.MACAdhoc {
		errs = append(errs, fmt.Errorf("%w: unsupported MAC %q", ErrConfig, c.Wireless.MAC))
	}
	if c.Wireless.DataMode != "" {
		if _, err := model.DataModeRate(c.Wireless.DataMode); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrConfig, err))
		}
	}
	if c.Wireless.Range < 0 {
		errs = append(errs, fmt.Errorf("%w: radio range %g is negative", ErrConfig, c.Wireless.Range))
	}
	return errors.Join(errs...)
}
