package sim

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/signalsfoundry/manet-simulator/core"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

const snapLen = 65535

// epoch anchors simulation time in capture timestamps.
var epoch = time.Unix(0, 0).UTC()

// capture writes every datagram sent or received by its devices to a pcap
// file with raw IPv4 framing.
type capture struct {
	name    string
	path    string
	devices map[core.DeviceID]bool
	f       *os.File
	w       *pcapgo.Writer
	packets int
	err     error
}

func (c *capture) write(pkt packet, t time.Duration) {
	if c.err != nil {
		return
	}
	data, err := encodeDatagram(pkt)
	if err != nil {
		c.err = fmt.Errorf("capture %s: encode: %w", c.name, err)
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     epoch.Add(t),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := c.w.WritePacket(ci, data); err != nil {
		c.err = fmt.Errorf("capture %s: write: %w", c.name, err)
		return
	}
	c.packets++
}

func (c *capture) close() error {
	err := c.f.Close()
	if c.err != nil {
		return c.err
	}
	if err != nil {
		return fmt.Errorf("capture %s: close: %w", c.name, err)
	}
	return nil
}

// encodeDatagram serializes pkt as an IPv4/UDP packet with a zero payload
// of the packet's size.
func encodeDatagram(pkt packet) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    pkt.src.Addr().AsSlice(),
		DstIP:    pkt.dst.Addr().AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(pkt.src.Port()),
		DstPort: layers.UDPPort(pkt.dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(make([]byte, pkt.size))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// eventLog is the aggregated ASCII trace: one line per transmit (t),
// receive (r) and drop (d).
type eventLog struct {
	path  string
	f     *os.File
	w     *bufio.Writer
	lines int
	err   error
}

func (l *eventLog) printf(format string, args ...any) {
	if l.err != nil {
		return
	}
	if _, err := fmt.Fprintf(l.w, format, args...); err != nil {
		l.err = err
		return
	}
	l.lines++
}

func (l *eventLog) close() error {
	ferr := l.w.Flush()
	cerr := l.f.Close()
	switch {
	case l.err != nil:
		return fmt.Errorf("event log: %w", l.err)
	case ferr != nil:
		return fmt.Errorf("event log: flush: %w", ferr)
	case cerr != nil:
		return fmt.Errorf("event log: close: %w", cerr)
	}
	return nil
}

// Animation is the node-position and packet export written at Destroy.
type Animation struct {
	path     string
	metadata bool
	nodes    []animationNode
	index    map[core.NodeID]int
	packets  []animationPacket
}

type animationNode struct {
	ID      uint64            `json:"id"`
	Samples []animationSample `json:"samples"`
}

type animationSample struct {
	T float64 `json:"t"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type animationPacket struct {
	T    float64 `json:"t"`
	Node uint64  `json:"node"`
	Src  string  `json:"src"`
	Dst  string  `json:"dst"`
	Size int     `json:"size"`
}

type animationFile struct {
	Metadata bool              `json:"metadata"`
	Nodes    []animationNode   `json:"nodes"`
	Packets  []animationPacket `json:"packets,omitempty"`
}

// EnableMetadata includes per-packet records in the export.
func (a *Animation) EnableMetadata(enabled bool) { a.metadata = enabled }

// Path returns the output file.
func (a *Animation) Path() string { return a.path }

func (a *Animation) sample(id core.NodeID, t time.Duration, x, y, z float64) {
	i, ok := a.index[id]
	if !ok {
		i = len(a.nodes)
		a.index[id] = i
		a.nodes = append(a.nodes, animationNode{ID: uint64(id)})
	}
	a.nodes[i].Samples = append(a.nodes[i].Samples, animationSample{T: timectrl.ToSeconds(t), X: x, Y: y, Z: z})
}

func (a *Animation) write() error {
	doc := animationFile{Metadata: a.metadata, Nodes: a.nodes}
	if a.metadata {
		doc.Packets = a.packets
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("animation: encode: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0o644); err != nil {
		return fmt.Errorf("animation: write: %w", err)
	}
	return nil
}

// ---- core.TraceHelper ----

// EnableCapture opens <name>.pcap in the output directory for devices.
func (e *Engine) EnableCapture(name string, devices core.DeviceSet) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	set := make(map[core.DeviceID]bool, len(devices))
	for _, id := range devices {
		if _, ok := e.devices[id]; !ok {
			return "", fmt.Errorf("%w: device %d", ErrUnknownHandle, id)
		}
		set[id] = true
	}
	path, err := e.outputPath(name + ".pcap")
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", name, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return "", fmt.Errorf("capture %s: header: %w", name, err)
	}
	e.captures = append(e.captures, &capture{name: name, path: path, devices: set, f: f, w: w})
	return path, nil
}

// EnableEventLog opens the aggregated event log. Only one is supported.
func (e *Engine) EnableEventLog(name string) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	if e.eventLog != nil {
		return "", fmt.Errorf("event log already enabled at %s", e.eventLog.path)
	}
	path, err := e.outputPath(name)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("event log: %w", err)
	}
	e.eventLog = &eventLog{path: path, f: f, w: bufio.NewWriter(f)}
	return path, nil
}

// NewAnimation creates the animation export. Only one is supported.
func (e *Engine) NewAnimation(name string) (core.AnimationExporter, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if e.animation != nil {
		return nil, fmt.Errorf("animation already enabled at %s", e.animation.path)
	}
	path, err := e.outputPath(name)
	if err != nil {
		return nil, err
	}
	e.animation = &Animation{path: path, index: make(map[core.NodeID]int)}
	return e.animation, nil
}

func (e *Engine) sampleAnimation(now time.Duration) {
	if e.animation == nil || e.destroyed {
		return
	}
	for _, n := range e.nodeOrder {
		p := n.position(now)
		e.animation.sample(n.id, now, p.X, p.Y, p.Z)
	}
}

func (e *Engine) traceTx(src *device, pkt packet, t time.Duration) {
	e.captureAt(src, pkt, t)
	if e.eventLog != nil {
		e.eventLog.printf("t %.9f node=%d %s > %s len=%d\n", timectrl.ToSeconds(t), src.node.id, pkt.src, pkt.dst, pkt.size)
	}
	if e.animation != nil && e.animation.metadata {
		e.animation.packets = append(e.animation.packets, animationPacket{
			T:    timectrl.ToSeconds(t),
			Node: uint64(src.node.id),
			Src:  pkt.src.String(),
			Dst:  pkt.dst.String(),
			Size: pkt.size,
		})
	}
}

func (e *Engine) traceRx(dst *device, pkt packet, t time.Duration) {
	e.captureAt(dst, pkt, t)
	if e.eventLog != nil {
		e.eventLog.printf("r %.9f node=%d %s > %s len=%d\n", timectrl.ToSeconds(t), dst.node.id, pkt.src, pkt.dst, pkt.size)
	}
}

func (e *Engine) traceDrop(at *device, dst netip.AddrPort, size int, t time.Duration, reason string) {
	if e.eventLog == nil {
		return
	}
	node := "-"
	if at != nil {
		node = fmt.Sprint(uint64(at.node.id))
	}
	e.eventLog.printf("d %.9f node=%s > %s len=%d reason=%s\n", timectrl.ToSeconds(t), node, dst, size, reason)
}

func (e *Engine) captureAt(d *device, pkt packet, t time.Duration) {
	for _, c := range e.captures {
		if c.devices[d.id] {
			c.write(pkt, t)
		}
	}
}

// CapturedPackets returns how many packets each capture holds, keyed by
// capture name.
func (e *Engine) CapturedPackets() map[string]int {
	out := make(map[string]int, len(e.captures))
	for _, c := range e.captures {
		out[c.name] = c.packets
	}
	return out
}
