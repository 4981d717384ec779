package graph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/e7canasta/timelapse-delay/internal/delayqueue"
	"github.com/e7canasta/timelapse-delay/internal/frameindex"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
)

// Acceleration selects one of the two topologies for a run.
type Acceleration int

const (
	// AccelSoftware decodes on the CPU and encodes stills with jpegenc.
	AccelSoftware Acceleration = iota
	// AccelHardware takes MJPEG from the camera and decodes with VAAPI.
	AccelHardware
)

// String returns a human-readable representation of the acceleration mode
func (a Acceleration) String() string {
	switch a {
	case AccelSoftware:
		return "software"
	case AccelHardware:
		return "vaapi"
	default:
		return "unknown"
	}
}

// HardwareCaps restricts the camera output in the hardware topology.
const HardwareCaps = "image/jpeg,width=1280,height=720"

// Role is the logical position of a node in the topology.
type Role string

const (
	RoleSource         Role = "source"
	RoleCapsFilter     Role = "capsfilter"
	RoleConvert        Role = "convert"
	RoleTee            Role = "tee"
	RoleDisplayQueue   Role = "display-queue"
	RoleDecode         Role = "decode"
	RoleDisplayConvert Role = "display-convert"
	RoleOverlay        Role = "overlay"
	RoleDisplaySink    Role = "display-sink"
	RoleCaptureQueue   Role = "capture-queue"
	RoleRate           Role = "rate"
	RoleEncode         Role = "encode"
	RoleFileSink       Role = "file-sink"
)

func (r Role) isSource() bool { return r == RoleSource }

func (r Role) isSink() bool { return r == RoleDisplaySink || r == RoleFileSink }

// Params is the configuration shared by both topologies.
type Params struct {
	Device       string            // empty keeps the source default
	DisplayQueue delayqueue.Config // MinThreshold is the display delay
	OutputDir    string
	StartIndex   int
	MaxRate      int // stills per second
	Sync         bool
	Fullscreen   bool
	Overlay      *overlay.State
}

// Validate checks the parameters before any node is created.
func (p Params) Validate() error {
	var errs []error
	if p.DisplayQueue.MinThreshold <= 0 {
		errs = append(errs, fmt.Errorf("display delay must be > 0 (got %v)", p.DisplayQueue.MinThreshold))
	}
	if err := p.DisplayQueue.Validate(); err != nil {
		errs = append(errs, err)
	}
	if p.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if p.StartIndex < 0 {
		errs = append(errs, fmt.Errorf("start index must be >= 0 (got %d)", p.StartIndex))
	}
	if p.MaxRate < 1 {
		errs = append(errs, fmt.Errorf("max rate must be >= 1 (got %d)", p.MaxRate))
	}
	if p.Overlay == nil {
		errs = append(errs, errors.New("overlay state is required"))
	}
	return errors.Join(errs...)
}

// topology builds the two branches around a tee. Both variants satisfy the
// same contract: head returns the tee, display and capture hang off it.
type topology struct {
	displaySink string
	head        func(a *assembly) (Node, error)
	display     func(a *assembly, tee Node) error
	capture     func(a *assembly, tee Node) error
}

// v4l2src → videoconvert → tee
// tee → queue(delay) → textoverlay → xvimagesink
// tee → queue → videorate → jpegenc → multifilesink
var softwareTopology = topology{
	displaySink: "xvimagesink",
	head: func(a *assembly) (Node, error) {
		return a.chain(nil,
			step{RoleSource, "v4l2src"},
			step{RoleConvert, "videoconvert"},
			step{RoleTee, "tee"},
		)
	},
	display: func(a *assembly, tee Node) error {
		_, err := a.chain(tee,
			step{RoleDisplayQueue, "queue"},
			step{RoleOverlay, "textoverlay"},
			step{RoleDisplaySink, "xvimagesink"},
		)
		return err
	},
	capture: func(a *assembly, tee Node) error {
		_, err := a.chain(tee,
			step{RoleCaptureQueue, "queue"},
			step{RoleRate, "videorate"},
			step{RoleEncode, "jpegenc"},
			step{RoleFileSink, "multifilesink"},
		)
		return err
	},
}

// v4l2src → capsfilter(image/jpeg) → tee
// tee → queue(delay) → vaapijpegdec → videoconvert → textoverlay → vaapisink
// tee → queue → videorate → multifilesink
var hardwareTopology = topology{
	displaySink: "vaapisink",
	head: func(a *assembly) (Node, error) {
		return a.chain(nil,
			step{RoleSource, "v4l2src"},
			step{RoleCapsFilter, "capsfilter"},
			step{RoleTee, "tee"},
		)
	},
	display: func(a *assembly, tee Node) error {
		_, err := a.chain(tee,
			step{RoleDisplayQueue, "queue"},
			step{RoleDecode, "vaapijpegdec"},
			step{RoleDisplayConvert, "videoconvert"},
			step{RoleOverlay, "textoverlay"},
			step{RoleDisplaySink, "vaapisink"},
		)
		return err
	},
	capture: func(a *assembly, tee Node) error {
		// camera already delivers JPEG: no encoder
		_, err := a.chain(tee,
			step{RoleCaptureQueue, "queue"},
			step{RoleRate, "videorate"},
			step{RoleFileSink, "multifilesink"},
		)
		return err
	},
}

func (a Acceleration) topology() (topology, error) {
	switch a {
	case AccelSoftware:
		return softwareTopology, nil
	case AccelHardware:
		return hardwareTopology, nil
	default:
		return topology{}, fmt.Errorf("invalid acceleration mode: %d", int(a))
	}
}

// Build creates, links and configures the whole graph. Any failure releases
// the backend and returns an error wrapping ErrBuild; no graph is returned.
func Build(backend Backend, accel Acceleration, p Params) (*Graph, error) {
	g, err := build(backend, accel, p)
	if err != nil {
		if rerr := backend.Release(); rerr != nil {
			slog.Warn("graph: release after failed build", "error", rerr)
		}
		return nil, fmt.Errorf("%w: %s topology: %w", ErrBuild, accel, err)
	}
	return g, nil
}

func build(backend Backend, accel Acceleration, p Params) (*Graph, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	topo, err := accel.topology()
	if err != nil {
		return nil, err
	}

	g := newGraph(backend, accel)
	a := &assembly{g: g}

	tee, err := topo.head(a)
	if err != nil {
		return nil, err
	}
	if err := topo.display(a, tee); err != nil {
		return nil, err
	}
	if err := topo.capture(a, tee); err != nil {
		return nil, err
	}
	if err := g.verify(); err != nil {
		return nil, err
	}
	if err := g.configure(topo, p); err != nil {
		return nil, err
	}

	slog.Debug("graph: built", "acceleration", accel.String(), "nodes", len(g.nodes))
	return g, nil
}

// configure applies properties after linking and before the first transition.
func (g *Graph) configure(topo topology, p Params) error {
	type prop struct {
		role  Role
		name  string
		value any
	}

	props := []prop{
		{RoleDisplayQueue, "max-size-buffers", uint(p.DisplayQueue.MaxItems)},
		{RoleDisplayQueue, "max-size-bytes", uint(p.DisplayQueue.MaxBytes)},
		{RoleDisplayQueue, "max-size-time", uint64(p.DisplayQueue.MaxTime.Nanoseconds())},
		{RoleDisplayQueue, "min-threshold-time", uint64(p.DisplayQueue.MinThreshold.Nanoseconds())},
		{RoleOverlay, "text", p.Overlay.Current()},
		{RoleDisplaySink, "sync", p.Sync},
		{RoleRate, "max-rate", p.MaxRate},
		{RoleFileSink, "location", frameindex.Location(p.OutputDir)},
		{RoleFileSink, "index", p.StartIndex},
		{RoleFileSink, "post-messages", true},
		{RoleCapsFilter, "caps", HardwareCaps},
	}
	if p.Device != "" {
		props = append(props, prop{RoleSource, "device", p.Device})
	}
	if topo.displaySink == "vaapisink" {
		props = append(props, prop{RoleDisplaySink, "fullscreen", p.Fullscreen})
	}

	for _, pr := range props {
		n, ok := g.byRole[pr.role]
		if !ok {
			continue
		}
		if err := n.SetProperty(pr.name, pr.value); err != nil {
			return fmt.Errorf("set %s.%s: %w", n.Name(), pr.name, err)
		}
	}

	ov := g.byRole[RoleOverlay]
	if err := g.backend.InstallOverlay(ov, p.Overlay); err != nil {
		return fmt.Errorf("install overlay on %s: %w", ov.Name(), err)
	}
	return nil
}

type step struct {
	role Role
	kind string
}

// assembly creates nodes through the backend and links them in order.
type assembly struct {
	g *Graph
}

func (a *assembly) make(s step) (Node, error) {
	n, err := a.g.backend.Make(s.kind, string(s.role))
	if err != nil {
		return nil, fmt.Errorf("make %s (%s): %w", s.kind, s.role, err)
	}
	if err := a.g.backend.Add(n); err != nil {
		return nil, fmt.Errorf("add %s: %w", n.Name(), err)
	}
	a.g.register(s.role, n)
	return n, nil
}

// chain makes every step and links them in sequence, the first one fed by
// from when it is not nil. Returns the last node.
func (a *assembly) chain(from Node, steps ...step) (Node, error) {
	prev := from
	for _, s := range steps {
		n, err := a.make(s)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := a.g.link(prev, n); err != nil {
				return nil, err
			}
		}
		prev = n
	}
	return prev, nil
}
