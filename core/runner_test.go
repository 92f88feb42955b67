package core_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/internal/enginetest"
	"github.com/signalsfoundry/manet-simulator/internal/logging"
	"github.com/signalsfoundry/manet-simulator/internal/observability"
	"github.com/signalsfoundry/manet-simulator/model"
)

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func lastIndexOf(calls []string, name string) int {
	idx := -1
	for i, c := range calls {
		if c == name {
			idx = i
		}
	}
	return idx
}

func TestRunnerStreamScenarioCompletes(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	runner := core.NewScenarioRunner(scn, eng, nil)

	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != core.StateCompleted || runner.State() != core.StateCompleted {
		t.Fatalf("state = %s / %s, want Completed", sum.State, runner.State())
	}
	wantCaptures := []string{"clusterA.pcap", "clusterB.pcap", "clusterC.pcap"}
	if len(sum.Artifacts.Captures) != len(wantCaptures) {
		t.Fatalf("captures = %v, want %v", sum.Artifacts.Captures, wantCaptures)
	}
	for i := range wantCaptures {
		if sum.Artifacts.Captures[i] != wantCaptures[i] {
			t.Fatalf("captures = %v, want %v", sum.Artifacts.Captures, wantCaptures)
		}
	}
	if logs := eng.EventLogs(); len(logs) != 1 || logs[0] != core.DefaultEventLog {
		t.Fatalf("event logs = %v, want exactly [%s]", logs, core.DefaultEventLog)
	}
	if sum.Artifacts.EventLog != core.DefaultEventLog {
		t.Fatalf("summary event log = %q", sum.Artifacts.EventLog)
	}
	if sum.Clusters != 3 || sum.Nodes != 9 || sum.Flows != 2 || sum.Receivers != 2 {
		t.Fatalf("summary counts = %+v", sum)
	}
	if !eng.Destroyed() {
		t.Fatalf("engine was not torn down after completion")
	}

	var sinks int
	for _, app := range eng.Apps() {
		switch app.Kind {
		case core.AppPacketSink:
			sinks++
			if app.StartAt != 0 || app.StopAt != 20*time.Second {
				t.Fatalf("sink window = [%s, %s], want [0s, 20s]", app.StartAt, app.StopAt)
			}
			if len(app.Received) == 0 {
				t.Fatalf("sink on node %d received nothing", app.Node)
			}
		case core.AppOnOff:
			if app.StartAt != time.Second || app.StopAt != 19*time.Second {
				t.Fatalf("sender window = [%s, %s], want [1s, 19s]", app.StartAt, app.StopAt)
			}
			if app.Params.Rate != 500_000 {
				t.Fatalf("sender rate = %s, want 500kbps", app.Params.Rate)
			}
		default:
			t.Fatalf("unexpected application kind %s", app.Kind)
		}
	}
	if sinks != 2 {
		t.Fatalf("sinks = %d, want 2", sinks)
	}
}

func TestRunnerRequestResponseStaysInsideWindow(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowRequestResponse)
	runner := core.NewScenarioRunner(scn, eng, nil)

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var clients int
	for _, app := range eng.Apps() {
		if app.Kind != core.AppEchoClient {
			if app.Kind == core.AppEchoServer && (app.StartAt != 0 || app.StopAt != 20*time.Second) {
				t.Fatalf("server window = [%s, %s], want [0s, 20s]", app.StartAt, app.StopAt)
			}
			continue
		}
		clients++
		if app.Params.MaxPackets != 100 || app.Params.Interval != time.Second || app.Params.PacketSize != 1024 {
			t.Fatalf("client params = %+v", app.Params)
		}
		if len(app.Sent) == 0 {
			t.Fatalf("client sent nothing")
		}
		for _, ts := range app.Sent {
			if ts < time.Second || ts >= 19*time.Second {
				t.Fatalf("client sent at %s, outside [1s, 19s)", ts)
			}
		}
		// One request per second from 1 s up to (not including) 19 s.
		if len(app.Sent) != 18 {
			t.Fatalf("client sent %d requests, want 18", len(app.Sent))
		}
	}
	if clients != 2 {
		t.Fatalf("clients = %d, want 2", clients)
	}
}

func TestRunnerStopTimeBelowMinimumAllocatesNothing(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(5*time.Second, 3, model.FlowStream)
	runner := core.NewScenarioRunner(scn, eng, nil)

	sum, err := runner.Run(context.Background())
	if !errors.Is(err, core.ErrConfig) {
		t.Fatalf("Run = %v, want ErrConfig", err)
	}
	if sum.State != core.StateAborted {
		t.Fatalf("state = %s, want Aborted", sum.State)
	}
	if got := eng.Allocated(); got != 0 {
		t.Fatalf("allocated handles = %d, want 0", got)
	}
	if calls := eng.Calls(); len(calls) != 0 {
		t.Fatalf("engine calls = %v, want none", calls)
	}
}

func TestRunnerMinStopTimeIsConfigurable(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(5*time.Second, 1, model.FlowStream)
	scn.Config.MinStopTime = 2 * time.Second
	runner := core.NewScenarioRunner(scn, eng, nil)

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run with lowered minimum: %v", err)
	}
}

func TestRunnerRejectsFlowWindowPastStopTime(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	scn.Flows[1].Window = model.Window{Start: time.Second, Stop: 25 * time.Second}
	runner := core.NewScenarioRunner(scn, eng, nil)

	_, err := runner.Run(context.Background())
	if !errors.Is(err, core.ErrConfig) {
		t.Fatalf("Run = %v, want ErrConfig", err)
	}
	if runner.State() != core.StateAborted {
		t.Fatalf("state = %s, want Aborted", runner.State())
	}
	if indexOf(eng.Calls(), "Run") >= 0 || eng.Allocated() != 0 {
		t.Fatalf("engine was used for an invalid flow: calls=%v allocated=%d", eng.Calls(), eng.Allocated())
	}
}

func TestRunnerBuildOrder(t *testing.T) {
	eng := enginetest.New()
	runner := core.NewScenarioRunner(core.DefaultScenario(20*time.Second, 2, model.FlowStream), eng, nil)
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := eng.Calls()
	order := []struct{ before, after string }{
		{"SetPolicy", "CreateChannel"},
		{"CreateChannel", "InstallWireless"},
		{"InstallStack", "Assign"},
		{"Assign", "InstallApplication"},
		{"InstallApplication", "EnableCapture"},
		{"EnableEventLog", "NewAnimation"},
		{"NewAnimation", "Run"},
		{"Run", "Destroy"},
	}
	for _, o := range order {
		if lastIndexOf(calls, o.before) >= indexOf(calls, o.after) {
			t.Fatalf("%s must finish before %s; calls = %v", o.before, o.after, calls)
		}
	}
}

func TestRunnerEngineFailureStaysRunning(t *testing.T) {
	eng := enginetest.New()
	eng.FailOn("Run", errors.New("kernel panic"))
	runner := core.NewScenarioRunner(core.DefaultScenario(20*time.Second, 3, model.FlowStream), eng, nil)

	sum, err := runner.Run(context.Background())
	if !errors.Is(err, core.ErrEngine) {
		t.Fatalf("Run = %v, want ErrEngine", err)
	}
	if sum.State != core.StateRunning || runner.State() != core.StateRunning {
		t.Fatalf("state = %s, want Running", runner.State())
	}
	if indexOf(eng.Calls(), "Destroy") >= 0 {
		t.Fatalf("runner tore down after an engine failure: %v", eng.Calls())
	}
}

func TestRunnerBuildFailureAborts(t *testing.T) {
	eng := enginetest.New()
	eng.FailOn("InstallWireless", errors.New("no radio"))
	runner := core.NewScenarioRunner(core.DefaultScenario(20*time.Second, 3, model.FlowStream), eng, nil)

	_, err := runner.Run(context.Background())
	if !errors.Is(err, core.ErrEngine) {
		t.Fatalf("Run = %v, want ErrEngine", err)
	}
	if runner.State() != core.StateAborted {
		t.Fatalf("state = %s, want Aborted", runner.State())
	}
	if !eng.Destroyed() {
		t.Fatalf("partially built engine was not torn down")
	}
	if indexOf(eng.Calls(), "Run") >= 0 {
		t.Fatalf("scheduler ran after a failed build")
	}
}

func TestRunnerRejectsOutOfOrderCalls(t *testing.T) {
	runner := core.NewScenarioRunner(core.DefaultScenario(20*time.Second, 1, model.FlowStream), enginetest.New(), nil)
	if err := runner.Build(context.Background()); !errors.Is(err, core.ErrSetupOrder) {
		t.Fatalf("Build before Validate = %v, want ErrSetupOrder", err)
	}
	if err := runner.Validate(context.Background()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := runner.Validate(context.Background()); !errors.Is(err, core.ErrSetupOrder) {
		t.Fatalf("second Validate = %v, want ErrSetupOrder", err)
	}
}

func TestCourseChangeCallbackEnabled(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	scn.Config.CourseChangeTracing = true
	var out bytes.Buffer
	runner := core.NewScenarioRunner(scn, eng, nil, core.WithCourseChangeWriter(&out))

	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := eng.Calls()
	if first := indexOf(calls, "OnCourseChange"); first < 0 || first < lastIndexOf(calls, "SetPolicy") {
		t.Fatalf("course-change subscriptions must follow policy assignment; calls = %v", calls)
	}
	// Six moving nodes report at 0, 5, 10 and 15 s.
	if sum.CourseChanges != 24 {
		t.Fatalf("course changes = %d, want 24", sum.CourseChanges)
	}
	text := out.String()
	if strings.Contains(text, "clusterA") {
		t.Fatalf("static cluster reported a course change:\n%s", text)
	}
	if !strings.Contains(text, "CourseChange /clusters/clusterB/nodes/0 x=50, y=50, z=0\n") {
		t.Fatalf("missing initial record for clusterB[0]:\n%s", text)
	}
	if got := strings.Count(text, "CourseChange "); got != 24 {
		t.Fatalf("printed %d records, want 24", got)
	}
}

func TestCourseChangeCallbackDisabled(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	var out bytes.Buffer
	runner := core.NewScenarioRunner(scn, eng, nil, core.WithCourseChangeWriter(&out))

	if err := runner.Validate(context.Background()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := runner.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	for node := core.NodeID(1); node <= 3; node++ {
		eng.InjectCourseChange(node, model.Vector{X: 1})
	}
	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if indexOf(eng.Calls(), "OnCourseChange") >= 0 {
		t.Fatalf("subscribed to course changes while disabled")
	}
	if sum.CourseChanges != 0 || out.Len() != 0 {
		t.Fatalf("course changes = %d, output %q; want none", sum.CourseChanges, out.String())
	}
}

func TestRunnerRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	scn.Config.CourseChangeTracing = true
	runner := core.NewScenarioRunner(scn, enginetest.New(), nil, core.WithRunnerMetrics(collector))

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, tr := range [][2]string{
		{"Configuring", "Validated"},
		{"Validated", "Built"},
		{"Built", "Running"},
		{"Running", "Completed"},
	} {
		if got := testutil.ToFloat64(collector.Transitions.WithLabelValues(tr[0], tr[1])); got != 1 {
			t.Fatalf("transition %s->%s = %v, want 1", tr[0], tr[1], got)
		}
	}
	if got := testutil.ToFloat64(collector.ScenarioNodes); got != 9 {
		t.Fatalf("nodes gauge = %v, want 9", got)
	}
	if got := testutil.ToFloat64(collector.ScenarioFlows); got != 2 {
		t.Fatalf("flows gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.CourseChanges); got != 24 {
		t.Fatalf("course changes counter = %v, want 24", got)
	}
}

func TestRunnerSharesFanInReceivers(t *testing.T) {
	eng := enginetest.New()
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	extra := scn.Flows[0]
	extra.Name = "clusterA[1]->clusterB[0]"
	extra.Source = model.NodeRef{Cluster: "clusterA", Index: 1}
	scn.Flows = append(scn.Flows, extra)
	runner := core.NewScenarioRunner(scn, eng, nil)

	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Flows != 3 || sum.Receivers != 2 {
		t.Fatalf("flows=%d receivers=%d, want 3 flows sharing 2 receivers", sum.Flows, sum.Receivers)
	}
	if want := netip.MustParseAddr("10.1.2.1"); extra.Destination != want {
		t.Fatalf("clusterB[0] address = %s, want %s", extra.Destination, want)
	}
}

func TestRunnerLogsTopologyEvents(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "debug", Format: "json", Writer: &buf})
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	runner := core.NewScenarioRunner(scn, enginetest.New(), log)
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := map[string]int{}
	var frozen map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		switch rec["msg"] {
		case "topology changed":
			events[rec["event"].(string)]++
		case "topology frozen":
			frozen = rec
		}
	}
	for _, ev := range []string{"cluster-added", "devices-attached", "addresses-assigned"} {
		if events[ev] != 3 {
			t.Fatalf("%s events = %d, want 3 (all: %v)", ev, events[ev], events)
		}
	}
	if frozen == nil || frozen["nodes"] != float64(9) || frozen["clusters"] != float64(3) {
		t.Fatalf("frozen record = %v, want 3 clusters and 9 nodes", frozen)
	}
}
