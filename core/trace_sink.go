package core

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/model"
)

// TraceArtifacts names the trace outputs enabled for a run.
type TraceArtifacts struct {
	// Captures holds one capture identifier per cluster, in cluster order.
	Captures  []string
	EventLog  string
	Animation string
}

// CourseChangeRecorder counts course-change notifications.
type CourseChangeRecorder interface {
	IncCourseChanges()
}

// Subscription is one course-change handler registered for one node.
type Subscription struct {
	Ref     model.NodeRef
	Node    NodeID
	Path    string
	Handler func(pos model.Vector)
}

// TraceSink enables the configured trace outputs against a built topology
// and holds the explicit list of course-change subscriptions.
type TraceSink struct {
	cfg      ScenarioConfig
	mobility MobilityEngine
	traces   TraceHelper
	log      logging.Logger
	metrics  CourseChangeRecorder

	mu      sync.Mutex
	out     io.Writer
	subs    []Subscription
	changes int

	attached bool
}

// TraceSinkOption configures a TraceSink.
type TraceSinkOption func(*TraceSink)

// WithCourseChangeOutput directs course-change records to w.
func WithCourseChangeOutput(w io.Writer) TraceSinkOption {
	return func(s *TraceSink) {
		s.out = w
	}
}

// WithCourseChangeRecorder counts each course-change notification.
func WithCourseChangeRecorder(r CourseChangeRecorder) TraceSinkOption {
	return func(s *TraceSink) {
		s.metrics = r
	}
}

// NewTraceSink constructs a sink. Course-change records are discarded
// unless an output is configured.
func NewTraceSink(cfg ScenarioConfig, mobility MobilityEngine, traces TraceHelper, log logging.Logger, opts ...TraceSinkOption) *TraceSink {
	if log == nil {
		log = logging.Noop()
	}
	s := &TraceSink{
		cfg:      cfg,
		mobility: mobility,
		traces:   traces,
		log:      log,
		out:      io.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach enables captures, the event log, course-change subscriptions and
// the animation export, each only when configured. It may be called once.
func (s *TraceSink) Attach(ctx context.Context, clusters []*Cluster) (TraceArtifacts, error) {
	var art TraceArtifacts
	if s.attached {
		return art, fmt.Errorf("%w: trace sink already attached", ErrSetupOrder)
	}
	for _, c := range clusters {
		if len(c.Devices) == 0 {
			return art, fmt.Errorf("%w: cluster %q traced before its devices exist", ErrSetupOrder, c.Name)
		}
	}
	s.attached = true

	if s.cfg.Trace.Capture {
		for _, c := range clusters {
			id, err := s.traces.EnableCapture(c.Name, c.Devices)
			if err != nil {
				return art, fmt.Errorf("%w: enable capture %q: %v", ErrEngine, c.Name, err)
			}
			art.Captures = append(art.Captures, id)
		}
	}

	if s.cfg.Trace.EventLog != "" {
		id, err := s.traces.EnableEventLog(s.cfg.Trace.EventLog)
		if err != nil {
			return art, fmt.Errorf("%w: enable event log %q: %v", ErrEngine, s.cfg.Trace.EventLog, err)
		}
		art.EventLog = id
	}

	if s.cfg.CourseChangeTracing {
		for _, c := range clusters {
			for i, node := range c.Nodes {
				sub := s.subscription(c.Ref(i), node)
				if err := s.mobility.OnCourseChange(node, sub.Handler); err != nil {
					return art, fmt.Errorf("%w: subscribe to %s: %v", ErrEngine, sub.Path, err)
				}
				s.mu.Lock()
				s.subs = append(s.subs, sub)
				s.mu.Unlock()
			}
		}
	}

	if s.cfg.Trace.Animation != "" {
		anim, err := s.traces.NewAnimation(s.cfg.Trace.Animation)
		if err != nil {
			return art, fmt.Errorf("%w: create animation %q: %v", ErrEngine, s.cfg.Trace.Animation, err)
		}
		anim.EnableMetadata(s.cfg.Trace.AnimationMetadata)
		art.Animation = anim.Path()
	}

	s.log.Info(ctx, "traces attached",
		logging.Int("captures", len(art.Captures)),
		logging.String("event_log", art.EventLog),
		logging.String("animation", art.Animation),
		logging.Int("course_change_subscriptions", len(s.Subscriptions())),
	)
	return art, nil
}

// Subscriptions returns a copy of the registered course-change handlers.
func (s *TraceSink) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subs...)
}

// CourseChanges returns how many course-change notifications were observed.
func (s *TraceSink) CourseChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

func (s *TraceSink) subscription(ref model.NodeRef, node NodeID) Subscription {
	path := ref.Path()
	return Subscription{
		Ref:  ref,
		Node: node,
		Path: path,
		Handler: func(pos model.Vector) {
			s.mu.Lock()
			s.changes++
			fmt.Fprintf(s.out, "CourseChange %s x=%s, y=%s, z=%s\n", path, formatCoord(pos.X), formatCoord(pos.Y), formatCoord(pos.Z))
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.IncCourseChanges()
			}
		},
	}
}

// formatCoord prints six significant digits, trimming trailing zeros.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
