package model

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// FlowKind is the transport pattern of a TrafficFlow.
type FlowKind int

const (
	// FlowStream is a constant-rate datagram stream into a passive sink.
	FlowStream FlowKind = iota
	// FlowRequestResponse is a bounded echo exchange with an always-on responder.
	FlowRequestResponse
)

func (k FlowKind) String() string {
	switch k {
	case FlowStream:
		return "stream"
	case FlowRequestResponse:
		return "request-response"
	default:
		return fmt.Sprintf("FlowKind(%d)", int(k))
	}
}

// ParseFlowKind maps the descriptor spelling of a flow kind.
func ParseFlowKind(s string) (FlowKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stream", "onoff", "on-off":
		return FlowStream, nil
	case "request-response", "echo", "reqresp":
		return FlowRequestResponse, nil
	default:
		return 0, fmt.Errorf("unknown flow kind %q", s)
	}
}

// Window is a half-open activation interval [Start, Stop) in simulated time.
type Window struct {
	Start time.Duration
	Stop  time.Duration
}

// Contains reports whether t falls within [Start, Stop).
func (w Window) Contains(t time.Duration) bool {
	return t >= w.Start && t < w.Stop
}

// Within reports whether 0 <= Start < Stop <= limit.
func (w Window) Within(limit time.Duration) bool {
	return w.Start >= 0 && w.Start < w.Stop && w.Stop <= limit
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start, w.Stop)
}

// DataRate is a bit rate in bits per second.
type DataRate uint64

// BitsPerSecond returns r as a float.
func (r DataRate) BitsPerSecond() float64 { return float64(r) }

// TransmitTime returns the time needed to send size bytes at rate r.
func (r DataRate) TransmitTime(size int) time.Duration {
	if r == 0 {
		return 0
	}
	return time.Duration(int64(size) * 8 * int64(time.Second) / int64(r))
}

func (r DataRate) String() string {
	switch {
	case r >= 1_000_000 && r%1_000_000 == 0:
		return fmt.Sprintf("%dMbps", r/1_000_000)
	case r >= 1_000 && r%1_000 == 0:
		return fmt.Sprintf("%dkbps", r/1_000)
	default:
		return fmt.Sprintf("%dbps", uint64(r))
	}
}

var rateUnits = []struct {
	suffix string
	factor float64
}{
	// longest suffixes first so "kbps" is not read as "bps".
	{"gbps", 1e9}, {"gb/s", 1e9},
	{"mbps", 1e6}, {"mb/s", 1e6},
	{"kbps", 1e3}, {"kb/s", 1e3},
	{"bps", 1}, {"b/s", 1},
}

// ParseDataRate parses rates written like "500kbps", "100kb/s" or "1Mbps".
// Units are decimal and bit-based; a bare number is bits per second.
func ParseDataRate(s string) (DataRate, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty data rate")
	}
	factor := 1.0
	for _, u := range rateUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			factor = u.factor
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid data rate %q", s)
	}
	return DataRate(n * factor), nil
}

// TrafficFlow declares one application-level flow.
type TrafficFlow struct {
	Name        string
	Kind        FlowKind
	Source      NodeRef
	Destination netip.Addr
	Port        uint16
	PacketSize  int // bytes
	// Stream only.
	Rate DataRate
	// Request/response only.
	MaxPackets int
	Interval   time.Duration

	Window Window
}

// Label returns Name, or a generated description when Name is empty.
func (f TrafficFlow) Label() string {
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("%s %s->%s", f.Kind, f.Source, f.Destination)
}
