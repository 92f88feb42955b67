package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/kb"
)

// State is a ScenarioRunner lifecycle state.
type State int

const (
	StateConfiguring State = iota
	StateValidated
	StateBuilt
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "Configuring"
	case StateValidated:
		return "Validated"
	case StateBuilt:
		return "Built"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RunnerMetrics receives lifecycle measurements. It is satisfied by
// observability.ScenarioCollector.
type RunnerMetrics interface {
	kb.MetricsRecorder
	CourseChangeRecorder
	ObserveTransition(from, to string)
	ObserveRun(d time.Duration)
	SetFlowCount(n int)
}

// Summary describes a finished (or failed) run. It holds no engine handles.
type Summary struct {
	RunID         string
	State         State
	StopTime      time.Duration
	Clusters      int
	Nodes         int
	Flows         int
	Receivers     int
	Artifacts     TraceArtifacts
	CourseChanges int
	// WallTime is how long the scheduler run took on the wall clock.
	WallTime time.Duration
}

// ScenarioRunner validates, builds and runs one Scenario against an Engine.
type ScenarioRunner struct {
	scn     Scenario
	eng     Engine
	log     logging.Logger
	metrics RunnerMetrics
	tracer  trace.Tracer
	out     io.Writer
	runID   string
	wallNow func() time.Time

	mu        sync.Mutex
	state     State
	topo      *kb.Topology
	clusters  []*Cluster
	plan      *TrafficPlan
	sink      *TraceSink
	artifacts TraceArtifacts
	summary   Summary
}

// RunnerOption configures a ScenarioRunner.
type RunnerOption func(*ScenarioRunner)

// WithRunnerMetrics wires lifecycle and topology metrics.
func WithRunnerMetrics(m RunnerMetrics) RunnerOption {
	return func(r *ScenarioRunner) {
		r.metrics = m
	}
}

// WithCourseChangeWriter sets where course-change records are printed.
func WithCourseChangeWriter(w io.Writer) RunnerOption {
	return func(r *ScenarioRunner) {
		r.out = w
	}
}

// WithTracer overrides the OpenTelemetry tracer used for phase spans.
func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *ScenarioRunner) {
		r.tracer = t
	}
}

// WithRunID sets the run identifier instead of generating one.
func WithRunID(id string) RunnerOption {
	return func(r *ScenarioRunner) {
		r.runID = id
	}
}

// NewScenarioRunner prepares a runner in the Configuring state. Optional
// scenario fields are defaulted here; nothing touches the engine until Build.
func NewScenarioRunner(scn Scenario, eng Engine, log logging.Logger, opts ...RunnerOption) *ScenarioRunner {
	if log == nil {
		log = logging.Noop()
	}
	r := &ScenarioRunner{
		scn:     scn.WithDefaults(),
		eng:     eng,
		log:     log,
		out:     io.Discard,
		wallNow: time.Now,
		state:   StateConfiguring,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/signalsfoundry/manet-simulator/core")
	}
	r.log = r.log.With(logging.String("run_id", r.runID))
	return r
}

// State returns the current lifecycle state.
func (r *ScenarioRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RunID returns the identifier attached to this run's logs and spans.
func (r *ScenarioRunner) RunID() string { return r.runID }

// Scenario returns the defaulted scenario the runner executes.
func (r *ScenarioRunner) Scenario() Scenario { return r.scn }

// Validate moves Configuring to Validated, or to Aborted when the scenario
// is invalid. Nothing is allocated in the engine either way.
func (r *ScenarioRunner) Validate(ctx context.Context) error {
	ctx, span := r.startPhase(ctx, "scenario.validate")
	defer span.End()

	if st := r.State(); st != StateConfiguring {
		return r.fail(span, fmt.Errorf("%w: validate called in state %s", ErrSetupOrder, st))
	}
	if err := r.scn.Validate(); err != nil {
		r.transition(ctx, StateAborted)
		r.log.Error(ctx, "scenario rejected", logging.Err(err))
		return r.fail(span, err)
	}
	r.transition(ctx, StateValidated)
	return nil
}

// Build runs the setup pass: clusters and mobility, the shared channel and
// wireless devices, addresses, flows and finally traces. On failure the
// engine is torn down and the runner is Aborted.
func (r *ScenarioRunner) Build(ctx context.Context) error {
	ctx, span := r.startPhase(ctx, "scenario.build")
	defer span.End()

	if st := r.State(); st != StateValidated {
		return r.fail(span, fmt.Errorf("%w: build called in state %s", ErrSetupOrder, st))
	}
	if err := r.build(ctx); err != nil {
		if derr := r.eng.Destroy(); derr != nil {
			r.log.Warn(ctx, "engine teardown after failed build", logging.Err(derr))
		}
		r.release()
		r.transition(ctx, StateAborted)
		r.log.Error(ctx, "scenario build failed", logging.Err(err))
		return r.fail(span, err)
	}
	r.transition(ctx, StateBuilt)
	return nil
}

func (r *ScenarioRunner) build(ctx context.Context) error {
	cfg := r.scn.Config
	topo := kb.NewTopology()
	if r.metrics != nil {
		topo.SetMetricsRecorder(r.metrics)
	}
	r.topo = topo
	unsubscribe := topo.Subscribe(func(ev kb.Event) {
		fields := []logging.Field{
			logging.String("event", ev.Type.String()),
			logging.Int("clusters", ev.Clusters),
			logging.Int("nodes", ev.Nodes),
		}
		if ev.Cluster != "" {
			fields = append(fields, logging.String("cluster", ev.Cluster))
		}
		if ev.Type == kb.EventFrozen {
			r.log.Info(ctx, "topology frozen", fields...)
			return
		}
		r.log.Debug(ctx, "topology changed", fields...)
	})
	defer unsubscribe()

	assigner := NewMobilityAssigner(r.eng, r.eng, topo, r.log)
	for _, spec := range r.scn.Clusters {
		c, err := assigner.BuildCluster(ctx, spec)
		if err != nil {
			return err
		}
		r.clusters = append(r.clusters, c)
	}

	builder := NewTopologyBuilder(cfg, r.eng, r.eng, r.eng, topo, r.log)
	if _, err := builder.BuildChannel(ctx); err != nil {
		return err
	}
	for _, c := range r.clusters {
		if _, err := builder.AttachWireless(ctx, c); err != nil {
			return err
		}
	}

	planner := NewAddressPlanner(r.eng, topo, r.log)
	for _, c := range r.clusters {
		if _, err := planner.Assign(ctx, c); err != nil {
			return err
		}
	}

	r.plan = NewTrafficPlan(cfg, r.eng, topo, r.log)
	for _, f := range r.scn.Flows {
		if _, _, err := r.plan.InstallFlow(ctx, f); err != nil {
			return err
		}
	}
	if r.metrics != nil {
		r.metrics.SetFlowCount(r.plan.Flows())
	}

	opts := []TraceSinkOption{WithCourseChangeOutput(r.out)}
	if r.metrics != nil {
		opts = append(opts, WithCourseChangeRecorder(r.metrics))
	}
	r.sink = NewTraceSink(cfg, r.eng, r.eng, r.log, opts...)
	art, err := r.sink.Attach(ctx, r.clusters)
	if err != nil {
		return err
	}
	r.artifacts = art

	topo.Freeze()
	return nil
}

// Run validates and builds if that has not happened yet, then hands control
// to the scheduler until the stop time. An engine failure while Running is
// returned wrapped in ErrEngine and leaves the runner in Running without
// teardown.
func (r *ScenarioRunner) Run(ctx context.Context) (Summary, error) {
	if r.State() == StateConfiguring {
		if err := r.Validate(ctx); err != nil {
			return r.snapshot(), err
		}
	}
	if r.State() == StateValidated {
		if err := r.Build(ctx); err != nil {
			return r.snapshot(), err
		}
	}

	ctx, span := r.startPhase(ctx, "scenario.run")
	defer span.End()

	if st := r.State(); st != StateBuilt {
		return r.snapshot(), r.fail(span, fmt.Errorf("%w: run called in state %s", ErrSetupOrder, st))
	}

	stop := r.scn.Config.StopTime
	r.transition(ctx, StateRunning)
	r.log.Info(ctx, "scenario running", logging.Duration("stop_time", stop))

	start := r.wallNow()
	r.eng.Stop(stop)
	err := r.eng.Run(stop)
	wall := r.wallNow().Sub(start)
	if r.metrics != nil {
		r.metrics.ObserveRun(wall)
	}
	if err != nil {
		err = fmt.Errorf("%w: run: %v", ErrEngine, err)
		r.log.Error(ctx, "scheduler run failed", logging.Err(err))
		sum := r.snapshot()
		sum.WallTime = wall
		return sum, r.fail(span, err)
	}

	if err := r.eng.Destroy(); err != nil {
		err = fmt.Errorf("%w: teardown: %v", ErrEngine, err)
		r.log.Error(ctx, "engine teardown failed", logging.Err(err))
		sum := r.snapshot()
		sum.WallTime = wall
		return sum, r.fail(span, err)
	}

	r.transition(ctx, StateCompleted)
	sum := r.snapshot()
	sum.WallTime = wall
	r.release()

	span.SetAttributes(
		attribute.Int("manet.flows", sum.Flows),
		attribute.Int("manet.course_changes", sum.CourseChanges),
	)
	r.log.Info(ctx, "scenario completed",
		logging.Duration("stop_time", stop),
		logging.Duration("wall_time", wall),
		logging.Int("course_changes", sum.CourseChanges),
	)
	return sum, nil
}

func (r *ScenarioRunner) startPhase(ctx context.Context, name string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("manet.run_id", r.runID),
		attribute.String("manet.state", r.State().String()),
	))
}

func (r *ScenarioRunner) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *ScenarioRunner) transition(ctx context.Context, to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveTransition(from.String(), to.String())
	}
	r.log.Debug(ctx, "runner state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)
}

// snapshot captures the current summary; after release it returns the
// last captured value.
func (r *ScenarioRunner) snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := r.summary
	sum.RunID = r.runID
	sum.State = r.state
	sum.StopTime = r.scn.Config.StopTime
	if r.topo != nil {
		sum.Clusters, sum.Nodes = r.topo.Counts()
	}
	if r.plan != nil {
		sum.Flows = r.plan.Flows()
		sum.Receivers = r.plan.Receivers()
	}
	if r.sink != nil {
		sum.CourseChanges = r.sink.CourseChanges()
	}
	sum.Artifacts = r.artifacts
	r.summary = sum
	return sum
}

// release drops every reference to engine handles.
func (r *ScenarioRunner) release() {
	r.snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topo = nil
	r.clusters = nil
	r.plan = nil
	r.sink = nil
}
