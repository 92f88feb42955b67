package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/internal/observability"
	"github.com/signalsfoundry/manet-simulator/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runDefault(t *testing.T, kind model.FlowKind, courseChanges bool) (*Engine, core.Summary, string, string) {
	t.Helper()
	scn := core.DefaultScenario(20*time.Second, 3, kind)
	scn.Config.CourseChangeTracing = courseChanges
	return runScenario(t, scn)
}

func runScenario(t *testing.T, scn core.Scenario, opts ...Option) (*Engine, core.Summary, string, string) {
	t.Helper()
	dir := t.TempDir()
	eng := New(append([]Option{WithOutputDir(dir)}, opts...)...)
	var out bytes.Buffer
	runner := core.NewScenarioRunner(scn, eng, nil, core.WithCourseChangeWriter(&out))
	sum, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, sum.State)
	return eng, sum, dir, out.String()
}

func TestStreamScenarioEndToEnd(t *testing.T) {
	eng, sum, dir, _ := runDefault(t, model.FlowStream, false)

	for _, name := range []string{"clusterA.pcap", "clusterB.pcap", "clusterC.pcap", core.DefaultEventLog, core.DefaultAnimation} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
	assert.Len(t, sum.Artifacts.Captures, 3)
	assert.Equal(t, filepath.Join(dir, core.DefaultEventLog), sum.Artifacts.EventLog)

	stats := eng.FlowStats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, core.AppOnOff, s.Kind)
		assert.GreaterOrEqual(t, s.FirstSend, time.Second)
		assert.Less(t, s.LastSend, 19*time.Second)
		assert.Positive(t, s.Sent)
		// The default channel has no range limit, so nothing is lost.
		assert.Equal(t, s.Sent, s.Received, "flow to %s", s.Destination)
		assert.Positive(t, s.MeanDelay)
	}

	counts := eng.CapturedPackets()
	assert.Equal(t, stats[0].Sent+stats[1].Sent, counts["clusterA"])
	assert.Equal(t, stats[0].Received, counts["clusterB"])
	assert.Equal(t, stats[1].Received, counts["clusterC"])
}

func TestRequestResponseScenarioEndToEnd(t *testing.T) {
	eng, _, _, _ := runDefault(t, model.FlowRequestResponse, false)

	stats := eng.FlowStats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, core.AppEchoClient, s.Kind)
		assert.Equal(t, 18, s.Sent)
		assert.Equal(t, 18, s.Received)
		assert.Equal(t, time.Second, s.FirstSend)
		assert.Equal(t, 18*time.Second, s.LastSend)
	}
}

func TestCaptureIsReadable(t *testing.T) {
	_, _, dir, _ := runDefault(t, model.FlowStream, false)

	f, err := os.Open(filepath.Join(dir, "clusterB.pcap"))
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ci.Timestamp.Sub(epoch), time.Second)

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "10.1.1.1", ip.SrcIP.String())
	assert.Equal(t, "10.1.2.1", ip.DstIP.String())
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(core.DefaultPort), udp.DstPort)
	assert.Len(t, udp.Payload, core.DefaultPacketSize)
}

func TestEventLogAndAnimation(t *testing.T) {
	_, _, dir, _ := runDefault(t, model.FlowStream, false)

	raw, err := os.ReadFile(filepath.Join(dir, core.DefaultEventLog))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "t 1.000000000 node=1 10.1.1.1:0 > "), lines[0])
	var tx, rx int
	for _, l := range lines {
		switch l[0] {
		case 't':
			tx++
		case 'r':
			rx++
		}
	}
	assert.Equal(t, tx, rx)

	doc, err := os.ReadFile(filepath.Join(dir, core.DefaultAnimation))
	require.NoError(t, err)
	var anim animationFile
	require.NoError(t, json.Unmarshal(doc, &anim))
	assert.True(t, anim.Metadata)
	assert.Len(t, anim.Nodes, 9)
	assert.NotEmpty(t, anim.Packets)
	for _, n := range anim.Nodes {
		assert.NotEmpty(t, n.Samples)
	}
}

func TestCourseChangesReachSubscribers(t *testing.T) {
	_, sum, _, out := runDefault(t, model.FlowStream, true)

	assert.Positive(t, sum.CourseChanges)
	assert.NotContains(t, out, "clusterA")
	assert.Contains(t, out, "CourseChange /clusters/clusterB/nodes/0 x=50, y=50, z=0\n")
	assert.Contains(t, out, "CourseChange /clusters/clusterC/nodes/")
}

func TestSinkAndEchoServerShareAPort(t *testing.T) {
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowRequestResponse)
	scn.Flows = append(scn.Flows, model.TrafficFlow{
		Name:        "stream to clusterB",
		Kind:        model.FlowStream,
		Source:      model.NodeRef{Cluster: "clusterA", Index: 0},
		Destination: netip.MustParseAddr("10.1.2.1"),
		Port:        core.DefaultPort,
		PacketSize:  core.DefaultPacketSize,
		Rate:        core.DefaultStreamRate,
		Window:      model.Window{Start: time.Second, Stop: 19 * time.Second},
	})
	eng, _, _, _ := runScenario(t, scn)

	var stream *FlowStats
	stats := eng.FlowStats()
	require.Len(t, stats, 3)
	for i, s := range stats {
		if s.Kind == core.AppOnOff {
			stream = &stats[i]
			continue
		}
		assert.Equal(t, 18, s.Sent, "echo flow to %s", s.Destination)
		assert.Equal(t, 18, s.Received, "echo flow to %s", s.Destination)
	}
	require.NotNil(t, stream)
	assert.Positive(t, stream.Sent)
	assert.Equal(t, stream.Sent, stream.Received)

	var sink, server *application
	for _, a := range eng.apps {
		if a.endpoint.Addr() != netip.MustParseAddr("10.1.2.1") {
			continue
		}
		switch a.kind {
		case core.AppPacketSink:
			sink = a
		case core.AppEchoServer:
			server = a
		}
	}
	require.NotNil(t, sink)
	require.NotNil(t, server)
	assert.Equal(t, stream.Sent, sink.received)
	assert.Equal(t, 18, server.received, "stream datagrams reached the echo server")
}

func TestSameSeedReplaysCourseChanges(t *testing.T) {
	scn := core.DefaultScenario(20*time.Second, 3, model.FlowStream)
	scn.Config.CourseChangeTracing = true

	_, _, _, first := runScenario(t, scn)
	_, _, _, second := runScenario(t, scn)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	_, _, _, seeded := runScenario(t, scn, WithSeed(7))
	_, _, _, again := runScenario(t, scn, WithSeed(7))
	assert.Equal(t, seeded, again)
	assert.NotEqual(t, first, seeded)
}

func TestFastStreamStillAdvances(t *testing.T) {
	e := New(WithOutputDir(t.TempDir()))
	positions := []model.Vector{{X: 0}, {X: 10}}
	ids, ifs := buildNodes(t, e, model.DefaultWirelessConfig(), "10.0.0.0/24", model.StaticPolicy{Positions: positions}, positions)

	dst := netip.AddrPortFrom(ifs[1], 9)
	sink, err := e.InstallApplication(core.AppPacketSink, dst, core.AppParams{}, ids[1])
	require.NoError(t, err)
	sink.Start(0)
	sink.Stop(2 * time.Second)
	// 10 bytes at 1 Tbps rounds down to a zero transmit time.
	require.Zero(t, model.DataRate(1_000_000_000_000).TransmitTime(10))
	fast, err := e.InstallApplication(core.AppOnOff, dst,
		core.AppParams{PacketSize: 10, Rate: 1_000_000_000_000}, ids[0])
	require.NoError(t, err)
	fast.Start(time.Second)
	fast.Stop(time.Second + time.Microsecond)

	e.Stop(2 * time.Second)
	require.NoError(t, e.Run(2*time.Second))
	require.NoError(t, e.Destroy())

	stats := e.FlowStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1000, stats[0].Sent)
}

func buildNodes(t *testing.T, e *Engine, cfg model.WirelessConfig, block string, policy model.MobilityPolicy, positions []model.Vector) ([]core.NodeID, core.InterfaceSet) {
	t.Helper()
	ids, err := e.CreateNodes(len(positions))
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, e.SetPolicy(id, positions[i], policy))
	}
	ch, err := e.CreateChannel(cfg)
	require.NoError(t, err)
	devs, err := e.InstallWireless(ch, model.MACAdhoc, ids)
	require.NoError(t, err)
	require.NoError(t, e.InstallStack(ids, model.RoutingAODV))
	ifs, err := e.Assign(devs, netip.MustParsePrefix(block))
	require.NoError(t, err)
	return ids, ifs
}

func TestMultiHopRoutingAndRangeDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewEngineCollector(reg)
	require.NoError(t, err)
	e := New(WithOutputDir(t.TempDir()), WithMetrics(metrics))

	cfg := model.DefaultWirelessConfig()
	cfg.Range = 150
	positions := []model.Vector{{X: 0}, {X: 100}, {X: 200}, {X: 1000}}
	static := model.StaticPolicy{Positions: positions}
	ids, ifs := buildNodes(t, e, cfg, "10.0.0.0/24", static, positions)

	sink, err := e.InstallApplication(core.AppPacketSink, netip.AddrPortFrom(ifs[2], 9), core.AppParams{}, ids[2])
	require.NoError(t, err)
	sink.Start(0)
	sink.Stop(10 * time.Second)
	near, err := e.InstallApplication(core.AppOnOff, netip.AddrPortFrom(ifs[2], 9),
		core.AppParams{PacketSize: 100, Rate: 800}, ids[0])
	require.NoError(t, err)
	near.Start(time.Second)
	near.Stop(4 * time.Second)
	far, err := e.InstallApplication(core.AppEchoClient, netip.AddrPortFrom(ifs[3], 9),
		core.AppParams{PacketSize: 100, MaxPackets: 2, Interval: time.Second}, ids[0])
	require.NoError(t, err)
	far.Start(time.Second)
	far.Stop(9 * time.Second)

	src := e.byAddr[ifs[0]]
	require.Len(t, src.ch.route(src, e.byAddr[ifs[2]], 0), 3, "0 -> 100 -> 200")

	e.Stop(10 * time.Second)
	require.NoError(t, e.Run(10*time.Second))
	require.NoError(t, e.Destroy())

	stats := e.FlowStats()
	require.Len(t, stats, 2)
	// One 100-byte packet per second over [1s, 4s).
	assert.Equal(t, 3, stats[0].Sent)
	assert.Equal(t, 3, stats[0].Received)
	assert.Equal(t, 2, stats[1].Sent)
	assert.Equal(t, 0, stats[1].Received)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Drops.WithLabelValues(DropUnreachable)))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Packets.WithLabelValues(observability.PacketReceived)))
}

func TestRandomWalkStaysInBounds(t *testing.T) {
	e := New(WithOutputDir(t.TempDir()))
	bounds := model.Rectangle{XMin: 0, XMax: 20, YMin: 0, YMax: 20}
	walk := model.RandomWalk2DPolicy{
		Mode:   model.WalkModeTime,
		Period: 3 * time.Second,
		Speed:  model.Range{Min: 2, Max: 6},
		Bounds: bounds,
	}
	ids, err := e.CreateNodes(2)
	require.NoError(t, err)
	var seen []model.Vector
	for _, id := range ids {
		require.NoError(t, e.SetPolicy(id, model.Vector{X: 10, Y: 10}, walk))
		require.NoError(t, e.OnCourseChange(id, func(p model.Vector) { seen = append(seen, p) }))
	}
	var sampled []model.Vector
	e.clock.AddListener(func(time.Duration) {
		for _, id := range ids {
			p, _ := e.Position(id)
			sampled = append(sampled, p)
		}
	})
	require.NoError(t, e.Run(60*time.Second))
	require.NoError(t, e.Destroy())

	// Two nodes turning every 3 s over 60 s, plus wall bounces.
	assert.GreaterOrEqual(t, len(seen), 40)
	const eps = 1e-3
	for _, p := range append(seen, sampled...) {
		assert.True(t, p.X >= bounds.XMin-eps && p.X <= bounds.XMax+eps && p.Y >= bounds.YMin-eps && p.Y <= bounds.YMax+eps,
			"position %+v outside %s", p, bounds)
	}
}

func TestRandomWaypointStaysInBounds(t *testing.T) {
	e := New(WithOutputDir(t.TempDir()))
	bounds := model.Rectangle{XMin: 0, XMax: 200, YMin: 0, YMax: 200}
	rwp := model.RandomWaypointPolicy{Speed: model.Range{Min: 1, Max: 5}, Pause: model.Constant(2), Bounds: bounds}
	ids, err := e.CreateNodes(3)
	require.NoError(t, err)
	var seen []model.Vector
	for i, id := range ids {
		require.NoError(t, e.SetPolicy(id, model.Vector{X: 50 + 5*float64(i), Y: 50}, rwp))
		require.NoError(t, e.OnCourseChange(id, func(p model.Vector) { seen = append(seen, p) }))
	}
	require.NoError(t, e.Run(120*time.Second))
	require.NoError(t, e.Destroy())

	require.NotEmpty(t, seen)
	for _, p := range seen {
		assert.True(t, bounds.Contains(p), "position %+v outside %s", p, bounds)
	}
}

func TestSubscriptionNeedsPolicy(t *testing.T) {
	e := New()
	ids, err := e.CreateNodes(1)
	require.NoError(t, err)
	assert.Error(t, e.OnCourseChange(ids[0], func(model.Vector) {}))
	require.NoError(t, e.SetPolicy(ids[0], model.Vector{}, model.StaticPolicy{Positions: []model.Vector{{}}}))
	assert.NoError(t, e.OnCourseChange(ids[0], func(model.Vector) {}))
	assert.Error(t, e.SetPolicy(ids[0], model.Vector{}, model.StaticPolicy{Positions: []model.Vector{{}}}))
}

func TestAllocatedAndDestroy(t *testing.T) {
	e := New(WithOutputDir(t.TempDir()))
	assert.Zero(t, e.Allocated())
	positions := []model.Vector{{}, {X: 5}}
	buildNodes(t, e, model.DefaultWirelessConfig(), "10.0.0.0/30", model.StaticPolicy{Positions: positions}, positions)
	// Two nodes, one channel, two devices.
	assert.Equal(t, 5, e.Allocated())

	require.NoError(t, e.Destroy())
	require.NoError(t, e.Destroy())
	_, err := e.CreateNodes(1)
	assert.True(t, errors.Is(err, ErrDestroyed))
	assert.True(t, errors.Is(e.Run(time.Second), ErrDestroyed))
}

func TestAssignRejectsOversizedBlock(t *testing.T) {
	e := New(WithOutputDir(t.TempDir()))
	ids, err := e.CreateNodes(3)
	require.NoError(t, err)
	ch, err := e.CreateChannel(model.DefaultWirelessConfig())
	require.NoError(t, err)
	devs, err := e.InstallWireless(ch, model.MACAdhoc, ids)
	require.NoError(t, err)
	_, err = e.Assign(devs, netip.MustParsePrefix("10.0.0.0/30"))
	assert.True(t, errors.Is(err, core.ErrConfig))
}
