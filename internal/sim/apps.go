package sim

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/internal/observability"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

// Drop reasons reported in the event log and the drop counter.
const (
	DropUnreachable = "unreachable"
	DropNoListener  = "no-listener"
	DropNoAddress   = "no-address"
)

// application is an installed application. Senders keep per-flow
// statistics; receivers count what they accepted.
type application struct {
	kind     core.AppKind
	endpoint netip.AddrPort
	params   core.AppParams
	node     *node
	// localPort is the client port echo replies are addressed to.
	localPort uint16

	start, stop      time.Duration
	started, stopped bool

	sent      int
	received  int
	firstSend time.Duration
	lastSend  time.Duration
	delays    []float64
}

func (a *application) Start(at time.Duration) {
	a.start = at
	a.started = true
}

func (a *application) Stop(at time.Duration) {
	a.stop = at
	a.stopped = true
}

func (a *application) listening(t time.Duration) bool {
	return a.started && t >= a.start && (!a.stopped || t <= a.stop)
}

// sending reports whether a sender may transmit at t; the stop time itself
// is excluded.
func (a *application) sending(t time.Duration) bool {
	return a.started && t >= a.start && (!a.stopped || t < a.stop)
}

// InstallApplication installs kind on node. Senders address endpoint;
// receivers listen on endpoint's port.
func (e *Engine) InstallApplication(kind core.AppKind, endpoint netip.AddrPort, params core.AppParams, id core.NodeID) (core.ApplicationHandle, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	n, err := e.node(id)
	if err != nil {
		return nil, err
	}
	switch kind {
	case core.AppOnOff:
		if params.Rate == 0 || params.PacketSize <= 0 {
			return nil, fmt.Errorf("on/off application needs a rate and packet size, got %+v", params)
		}
	case core.AppEchoClient:
		if params.MaxPackets <= 0 || params.Interval <= 0 || params.PacketSize <= 0 {
			return nil, fmt.Errorf("echo client needs packets, interval and size, got %+v", params)
		}
	case core.AppPacketSink, core.AppEchoServer:
	default:
		return nil, fmt.Errorf("unsupported application kind %s", kind)
	}
	e.handle()
	app := &application{kind: kind, endpoint: endpoint, params: params, node: n}
	if kind == core.AppEchoClient {
		app.localPort = e.nextPort
		e.nextPort++
	}
	e.apps = append(e.apps, app)
	return app, nil
}

func (e *Engine) scheduleApp(app *application) {
	if !app.kind.IsSender() || !app.started {
		return
	}
	end := e.limit
	if app.stopped && app.stop < end {
		end = app.stop
	}
	switch app.kind {
	case core.AppOnOff:
		// Rates fast enough to round the gap to zero still advance time.
		gap := max(app.params.Rate.TransmitTime(app.params.PacketSize), time.Nanosecond)
		var tick func(t time.Duration)
		tick = func(t time.Duration) {
			if t >= end || !app.sending(t) {
				return
			}
			e.send(app, t)
			e.at(t+gap, func() { tick(t + gap) })
		}
		e.at(app.start, func() { tick(app.start) })
	case core.AppEchoClient:
		for k := 0; k < app.params.MaxPackets; k++ {
			t := app.start + time.Duration(k)*app.params.Interval
			if t >= end {
				break
			}
			e.at(t, func() {
				if app.sending(t) {
					e.send(app, t)
				}
			})
		}
	}
}

func (e *Engine) sourceDevice(n *node) *device {
	for _, d := range n.devices {
		if d.addr.IsValid() {
			return d
		}
	}
	return nil
}

// send originates one datagram from app at t.
func (e *Engine) send(app *application, t time.Duration) {
	src := e.sourceDevice(app.node)
	if src == nil {
		e.drop(nil, app.endpoint, app.params.PacketSize, t, DropNoAddress)
		return
	}
	if app.sent == 0 {
		app.firstSend = t
	}
	app.sent++
	app.lastSend = t
	e.metrics.IncPacket(observability.PacketSent)

	pkt := packet{
		src:    netip.AddrPortFrom(src.addr, app.localPort),
		dst:    app.endpoint,
		size:   app.params.PacketSize,
		sentAt: t,
		origin: app,
	}
	e.transmit(src, pkt, t)
}

// packet is a datagram in flight.
type packet struct {
	src, dst netip.AddrPort
	size     int
	sentAt   time.Duration
	origin   *application
	reply    bool
}

// transmit routes pkt from src and schedules its arrival.
func (e *Engine) transmit(src *device, pkt packet, t time.Duration) {
	e.traceTx(src, pkt, t)
	dst, ok := e.byAddr[pkt.dst.Addr()]
	if !ok || dst.ch != src.ch {
		e.drop(src, pkt.dst, pkt.size, t, DropUnreachable)
		return
	}
	hops := src.ch.route(src, dst, t)
	if hops == nil {
		e.drop(src, pkt.dst, pkt.size, t, DropUnreachable)
		return
	}
	arrival := t + src.ch.pathDelay(hops, pkt.size, t)
	e.at(arrival, func() { e.deliver(dst, pkt) })
}

func (e *Engine) deliver(dst *device, pkt packet) {
	now := e.Now()
	if pkt.reply {
		client := pkt.origin
		if client.localPort != pkt.dst.Port() {
			e.drop(dst, pkt.dst, pkt.size, now, DropNoListener)
			return
		}
		e.traceRx(dst, pkt, now)
		e.metrics.IncPacket(observability.PacketReceived)
		client.received++
		client.delays = append(client.delays, timectrl.ToSeconds(now-pkt.sentAt))
		return
	}

	want, _ := pkt.origin.kind.Receiver()
	var listener *application
	for _, a := range e.apps {
		if a.kind != want || a.node != dst.node || a.endpoint.Port() != pkt.dst.Port() {
			continue
		}
		if a.listening(now) {
			listener = a
			break
		}
	}
	if listener == nil {
		e.drop(dst, pkt.dst, pkt.size, now, DropNoListener)
		return
	}
	e.traceRx(dst, pkt, now)
	e.metrics.IncPacket(observability.PacketReceived)
	listener.received++

	switch listener.kind {
	case core.AppPacketSink:
		pkt.origin.received++
		pkt.origin.delays = append(pkt.origin.delays, timectrl.ToSeconds(now-pkt.sentAt))
	case core.AppEchoServer:
		reply := packet{
			src:    pkt.dst,
			dst:    pkt.src,
			size:   pkt.size,
			sentAt: pkt.sentAt,
			origin: pkt.origin,
			reply:  true,
		}
		e.transmit(dst, reply, now)
	}
}

func (e *Engine) drop(at *device, dst netip.AddrPort, size int, t time.Duration, reason string) {
	e.metrics.IncDrop(reason)
	e.traceDrop(at, dst, size, t, reason)
}

// FlowStats summarises one sender.
type FlowStats struct {
	Kind        core.AppKind
	Node        core.NodeID
	Destination netip.AddrPort
	Sent        int
	Received    int
	FirstSend   time.Duration
	LastSend    time.Duration
	// MeanDelay and StdDevDelay are end-to-end for streams and round trip
	// for request/response flows.
	MeanDelay   time.Duration
	StdDevDelay time.Duration
}

// DeliveryRatio returns Received/Sent, or 0 when nothing was sent.
func (s FlowStats) DeliveryRatio() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Received) / float64(s.Sent)
}

// FlowStats returns one entry per sender, ordered by node and destination.
// It remains valid after Destroy.
func (e *Engine) FlowStats() []FlowStats {
	var out []FlowStats
	for _, a := range e.apps {
		if !a.kind.IsSender() {
			continue
		}
		s := FlowStats{
			Kind:        a.kind,
			Node:        a.node.id,
			Destination: a.endpoint,
			Sent:        a.sent,
			Received:    a.received,
			FirstSend:   a.firstSend,
			LastSend:    a.lastSend,
		}
		if len(a.delays) > 0 {
			mean, std := stat.MeanStdDev(a.delays, nil)
			if len(a.delays) < 2 {
				std = 0
			}
			s.MeanDelay = timectrl.Seconds(mean)
			s.StdDevDelay = timectrl.Seconds(std)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Destination.String() < out[j].Destination.String()
	})
	return out
}
