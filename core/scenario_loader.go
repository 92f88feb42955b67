// core/scenario_loader.go
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/manet-simulator/model"
	"github.com/signalsfoundry/manet-simulator/timectrl"
)

// Descriptor formats accepted by LoadScenario.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

// DefaultPacketSize is the payload of stream flows that do not set one.
const DefaultPacketSize = 1472

// DefaultEchoPacketSize is the payload of request/response flows that do
// not set one.
const DefaultEchoPacketSize = 1024

// MaxPacketSize is the largest UDP payload an IPv4 datagram can carry.
const MaxPacketSize = 65507

// descriptor shapes are unexported so the file format can evolve
// independently of the model.
type scenarioDoc struct {
	StopTime            *float64     `yaml:"stopTime" toml:"stopTime" json:"stopTime" validate:"omitempty,gt=0"`
	MinStopTime         *float64     `yaml:"minStopTime" toml:"minStopTime" json:"minStopTime" validate:"omitempty,gte=0"`
	CourseChangeTracing bool         `yaml:"courseChangeTracing" toml:"courseChangeTracing" json:"courseChangeTracing"`
	Routing             string       `yaml:"routing" toml:"routing" json:"routing"`
	Wireless            *wirelessDoc `yaml:"wireless" toml:"wireless" json:"wireless"`
	Trace               *traceDoc    `yaml:"trace" toml:"trace" json:"trace"`
	Clusters            []clusterDoc `yaml:"clusters" toml:"clusters" json:"clusters" validate:"required,min=1,dive"`
	Flows               []flowDoc    `yaml:"flows" toml:"flows" json:"flows" validate:"dive"`
}

type wirelessDoc struct {
	Standard string  `yaml:"standard" toml:"standard" json:"standard"`
	DataMode string  `yaml:"dataMode" toml:"dataMode" json:"dataMode"`
	Range    float64 `yaml:"range" toml:"range" json:"range" validate:"gte=0"`
}

type traceDoc struct {
	Capture           *bool   `yaml:"capture" toml:"capture" json:"capture"`
	EventLog          *string `yaml:"eventLog" toml:"eventLog" json:"eventLog"`
	Animation         *string `yaml:"animation" toml:"animation" json:"animation"`
	AnimationMetadata *bool   `yaml:"animationMetadata" toml:"animationMetadata" json:"animationMetadata"`
}

type clusterDoc struct {
	Name     string      `yaml:"name" toml:"name" json:"name" validate:"required"`
	Size     int         `yaml:"size" toml:"size" json:"size" validate:"required,min=1"`
	Block    string      `yaml:"block" toml:"block" json:"block" validate:"required,cidrv4"`
	Mobility mobilityDoc `yaml:"mobility" toml:"mobility" json:"mobility"`
}

type mobilityDoc struct {
	Kind      string      `yaml:"kind" toml:"kind" json:"kind" validate:"required"`
	Positions []vectorDoc `yaml:"positions" toml:"positions" json:"positions"`
	Layout    *layoutDoc  `yaml:"layout" toml:"layout" json:"layout"`
	Speed     *rangeDoc   `yaml:"speed" toml:"speed" json:"speed"`
	Pause     *rangeDoc   `yaml:"pause" toml:"pause" json:"pause"`
	Bounds    *boundsDoc  `yaml:"bounds" toml:"bounds" json:"bounds"`
	Mode      string      `yaml:"mode" toml:"mode" json:"mode"`
	Period    float64     `yaml:"period" toml:"period" json:"period" validate:"gte=0"`
	Distance  float64     `yaml:"distance" toml:"distance" json:"distance" validate:"gte=0"`
}

type vectorDoc struct {
	X float64 `yaml:"x" toml:"x" json:"x"`
	Y float64 `yaml:"y" toml:"y" json:"y"`
	Z float64 `yaml:"z" toml:"z" json:"z"`
}

type layoutDoc struct {
	MinX      float64 `yaml:"minX" toml:"minX" json:"minX"`
	MinY      float64 `yaml:"minY" toml:"minY" json:"minY"`
	DeltaX    float64 `yaml:"deltaX" toml:"deltaX" json:"deltaX"`
	DeltaY    float64 `yaml:"deltaY" toml:"deltaY" json:"deltaY"`
	GridWidth int     `yaml:"gridWidth" toml:"gridWidth" json:"gridWidth" validate:"gte=0"`
	RowFirst  *bool   `yaml:"rowFirst" toml:"rowFirst" json:"rowFirst"`
}

type rangeDoc struct {
	Min float64 `yaml:"min" toml:"min" json:"min"`
	Max float64 `yaml:"max" toml:"max" json:"max"`
}

type boundsDoc struct {
	XMin float64 `yaml:"xMin" toml:"xMin" json:"xMin"`
	XMax float64 `yaml:"xMax" toml:"xMax" json:"xMax"`
	YMin float64 `yaml:"yMin" toml:"yMin" json:"yMin"`
	YMax float64 `yaml:"yMax" toml:"yMax" json:"yMax"`
}

type flowDoc struct {
	Name        string         `yaml:"name" toml:"name" json:"name"`
	Kind        string         `yaml:"kind" toml:"kind" json:"kind" validate:"required"`
	Source      nodeRefDoc     `yaml:"source" toml:"source" json:"source"`
	Destination destinationDoc `yaml:"destination" toml:"destination" json:"destination"`
	Port        uint16         `yaml:"port" toml:"port" json:"port"`
	PacketSize  int            `yaml:"packetSize" toml:"packetSize" json:"packetSize" validate:"gte=0,lte=65507"`
	Rate        string         `yaml:"rate" toml:"rate" json:"rate"`
	MaxPackets  int            `yaml:"maxPackets" toml:"maxPackets" json:"maxPackets" validate:"gte=0"`
	Interval    float64        `yaml:"interval" toml:"interval" json:"interval" validate:"gte=0"`
	Start       float64        `yaml:"start" toml:"start" json:"start"`
	Stop        float64        `yaml:"stop" toml:"stop" json:"stop"`
}

type nodeRefDoc struct {
	Cluster string `yaml:"cluster" toml:"cluster" json:"cluster" validate:"required"`
	Index   int    `yaml:"index" toml:"index" json:"index" validate:"gte=0"`
}

// destinationDoc names either an address or a node whose planned address
// is used.
type destinationDoc struct {
	Address string `yaml:"address" toml:"address" json:"address" validate:"omitempty,ipv4"`
	Cluster string `yaml:"cluster" toml:"cluster" json:"cluster" validate:"required_without=Address"`
	Index   int    `yaml:"index" toml:"index" json:"index" validate:"gte=0"`
}

var docValidator = validator.New(validator.WithRequiredStructEnabled())

// FormatFromPath picks the descriptor format from a file extension.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unsupported scenario file extension %q", ErrConfig, filepath.Ext(path))
	}
}

// LoadScenarioFile reads a scenario descriptor from disk.
func LoadScenarioFile(path string) (Scenario, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Scenario{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("%w: open scenario: %v", ErrConfig, err)
	}
	defer f.Close()
	return LoadScenario(f, format)
}

// LoadScenario decodes a descriptor in the given format. Unknown fields are
// rejected. The result still needs Scenario.Validate; LoadScenario only
// reports structural problems.
func LoadScenario(r io.Reader, format string) (Scenario, error) {
	var doc scenarioDoc
	var err error
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		err = dec.Decode(&doc)
	case FormatTOML:
		err = toml.NewDecoder(r).DisallowUnknownFields().Decode(&doc)
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		err = dec.Decode(&doc)
	default:
		return Scenario{}, fmt.Errorf("%w: unknown scenario format %q", ErrConfig, format)
	}
	if err != nil {
		return Scenario{}, fmt.Errorf("%w: decode %s scenario: %v", ErrConfig, format, err)
	}

	if err := docValidator.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			errs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%w: field %s fails %q", ErrConfig, fe.Namespace(), fe.Tag()))
			}
			return Scenario{}, errors.Join(errs...)
		}
		return Scenario{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return doc.toScenario()
}

func (d scenarioDoc) toScenario() (Scenario, error) {
	cfg := DefaultScenarioConfig()
	if d.StopTime != nil {
		cfg.StopTime = timectrl.Seconds(*d.StopTime)
	}
	if d.MinStopTime != nil {
		cfg.MinStopTime = timectrl.Seconds(*d.MinStopTime)
	}
	cfg.CourseChangeTracing = d.CourseChangeTracing
	routing, err := model.ParseRouting(d.Routing)
	if err != nil {
		return Scenario{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.Routing = routing
	if w := d.Wireless; w != nil {
		if w.Standard != "" {
			cfg.Wireless.Standard = w.Standard
		}
		if w.DataMode != "" {
			cfg.Wireless.DataMode = w.DataMode
		}
		cfg.Wireless.Range = w.Range
	}
	if t := d.Trace; t != nil {
		if t.Capture != nil {
			cfg.Trace.Capture = *t.Capture
		}
		if t.EventLog != nil {
			cfg.Trace.EventLog = *t.EventLog
		}
		if t.Animation != nil {
			cfg.Trace.Animation = *t.Animation
		}
		if t.AnimationMetadata != nil {
			cfg.Trace.AnimationMetadata = *t.AnimationMetadata
		}
	}

	scn := Scenario{Config: cfg}
	for _, cd := range d.Clusters {
		spec, err := cd.toSpec()
		if err != nil {
			return Scenario{}, err
		}
		scn.Clusters = append(scn.Clusters, spec)
	}
	for i, fd := range d.Flows {
		flow, err := fd.toFlow(scn.Clusters)
		if err != nil {
			return Scenario{}, fmt.Errorf("flow %d: %w", i, err)
		}
		scn.Flows = append(scn.Flows, flow)
	}
	return scn, nil
}

func (c clusterDoc) toSpec() (model.ClusterSpec, error) {
	block, err := netip.ParsePrefix(c.Block)
	if err != nil {
		return model.ClusterSpec{}, fmt.Errorf("%w: cluster %q block: %v", ErrConfig, c.Name, err)
	}
	policy, err := c.Mobility.toPolicy(c.Size)
	if err != nil {
		return model.ClusterSpec{}, fmt.Errorf("%w: cluster %q: %v", ErrConfig, c.Name, err)
	}
	return model.ClusterSpec{Name: c.Name, Size: c.Size, Mobility: policy, Block: block}, nil
}

func (m mobilityDoc) toPolicy(size int) (model.MobilityPolicy, error) {
	kind, err := model.ParseMobilityKind(m.Kind)
	if err != nil {
		return nil, err
	}
	layout := model.DefaultGridLayout(0, 0)
	if m.Layout != nil {
		layout = model.GridLayout{
			MinX:      m.Layout.MinX,
			MinY:      m.Layout.MinY,
			DeltaX:    m.Layout.DeltaX,
			DeltaY:    m.Layout.DeltaY,
			GridWidth: m.Layout.GridWidth,
			RowFirst:  m.Layout.RowFirst == nil || *m.Layout.RowFirst,
		}
	}

	switch kind {
	case model.MobilityStatic:
		if len(m.Positions) == 0 && m.Layout != nil {
			return model.StaticPolicy{Positions: layout.Positions(size)}, nil
		}
		positions := make([]model.Vector, len(m.Positions))
		for i, p := range m.Positions {
			positions[i] = model.Vector{X: p.X, Y: p.Y, Z: p.Z}
		}
		return model.StaticPolicy{Positions: positions}, nil
	case model.MobilityRandomWaypoint:
		return model.RandomWaypointPolicy{
			Speed:  m.Speed.toRange(),
			Pause:  m.Pause.toRange(),
			Bounds: m.Bounds.toRectangle(),
			Layout: layout,
		}, nil
	default:
		mode, err := model.ParseWalkMode(m.Mode)
		if err != nil {
			return nil, err
		}
		return model.RandomWalk2DPolicy{
			Mode:     mode,
			Period:   timectrl.Seconds(m.Period),
			Distance: m.Distance,
			Speed:    m.Speed.toRange(),
			Bounds:   m.Bounds.toRectangle(),
			Layout:   layout,
		}, nil
	}
}

func (r *rangeDoc) toRange() model.Range {
	if r == nil {
		return model.Range{}
	}
	return model.Range{Min: r.Min, Max: r.Max}
}

func (b *boundsDoc) toRectangle() model.Rectangle {
	if b == nil {
		return model.Rectangle{}
	}
	return model.Rectangle{XMin: b.XMin, XMax: b.XMax, YMin: b.YMin, YMax: b.YMax}
}

func (f flowDoc) toFlow(clusters []model.ClusterSpec) (model.TrafficFlow, error) {
	kind, err := model.ParseFlowKind(f.Kind)
	if err != nil {
		return model.TrafficFlow{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	flow := model.TrafficFlow{
		Name:       f.Name,
		Kind:       kind,
		Source:     model.NodeRef{Cluster: f.Source.Cluster, Index: f.Source.Index},
		Port:       f.Port,
		PacketSize: f.PacketSize,
		MaxPackets: f.MaxPackets,
		Interval:   timectrl.Seconds(f.Interval),
		Window:     model.Window{Start: timectrl.Seconds(f.Start), Stop: timectrl.Seconds(f.Stop)},
	}
	if flow.PacketSize == 0 {
		flow.PacketSize = DefaultPacketSize
		if kind == model.FlowRequestResponse {
			flow.PacketSize = DefaultEchoPacketSize
		}
	}
	if f.Rate != "" {
		rate, err := model.ParseDataRate(f.Rate)
		if err != nil {
			return model.TrafficFlow{}, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		flow.Rate = rate
	}

	if f.Destination.Address != "" {
		addr, err := netip.ParseAddr(f.Destination.Address)
		if err != nil {
			return model.TrafficFlow{}, fmt.Errorf("%w: destination: %v", ErrConfig, err)
		}
		flow.Destination = addr
		return flow, nil
	}
	addr, err := resolvePlanned(clusters, model.NodeRef{Cluster: f.Destination.Cluster, Index: f.Destination.Index})
	if err != nil {
		return model.TrafficFlow{}, err
	}
	flow.Destination = addr
	return flow, nil
}

// resolvePlanned returns the address ref will be assigned.
func resolvePlanned(clusters []model.ClusterSpec, ref model.NodeRef) (netip.Addr, error) {
	for _, c := range clusters {
		if c.Name != ref.Cluster {
			continue
		}
		if ref.Index < 0 || ref.Index >= c.Size {
			return netip.Addr{}, fmt.Errorf("%w: destination %s is outside a cluster of %d nodes", ErrConfig, ref, c.Size)
		}
		plan, err := PlanAddresses(c.Block, c.Size)
		if err != nil {
			return netip.Addr{}, err
		}
		return plan[ref.Index], nil
	}
	return netip.Addr{}, fmt.Errorf("%w: destination cluster %q does not exist", ErrConfig, ref.Cluster)
}
