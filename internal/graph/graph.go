// Package graph builds and drives the capture dataflow graph: one live source
// fanned out by a tee into a delayed display branch and a rate-reduced
// still-capture branch.
//
// The graph owns its nodes; the media work happens inside a Backend
// (GStreamer in production, pure Go in tests and demos). The graph enforces
// the structural rules (one incoming link per node, fully linked before
// start) and the lifecycle Idle → Running → Stopped.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/e7canasta/timelapse-delay/internal/overlay"
)

var (
	// ErrBuild wraps every graph construction failure. Not retried.
	ErrBuild = errors.New("graph: build failed")

	// ErrInvalidTransition is returned for lifecycle calls in the wrong state.
	ErrInvalidTransition = errors.New("graph: invalid state transition")

	// ErrAlreadyLinked is returned when a node would get a second input.
	ErrAlreadyLinked = errors.New("graph: node already has an input")
)

// Node is an opaque processing element created by a Backend.
type Node interface {
	Name() string
	Kind() string
	SetProperty(name string, value any) error
}

// Backend creates and runs nodes.
type Backend interface {
	Make(kind, name string) (Node, error)
	Add(nodes ...Node) error
	Link(src, dst Node) error
	InstallOverlay(node Node, state *overlay.State) error

	Play() error
	SendEOS() error
	// Release stops streaming and frees every node. Idempotent.
	Release() error

	Messages() <-chan Message
}

// State is the graph lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Graph is a built pipeline.
type Graph struct {
	backend Backend
	accel   Acceleration

	nodes    []Node
	roles    map[string]Role
	byRole   map[Role]Node
	incoming map[string]string
	outgoing map[string][]string

	mu    sync.Mutex
	state State
}

func newGraph(backend Backend, accel Acceleration) *Graph {
	return &Graph{
		backend:  backend,
		accel:    accel,
		roles:    make(map[string]Role),
		byRole:   make(map[Role]Node),
		incoming: make(map[string]string),
		outgoing: make(map[string][]string),
	}
}

// Start transitions Idle → Running.
func (g *Graph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, g.state)
	}
	if err := g.backend.Play(); err != nil {
		return fmt.Errorf("graph: start: %w", err)
	}
	g.state = StateRunning
	slog.Info("graph: running", "acceleration", g.accel.String(), "topology", g.Describe())
	return nil
}

// RequestEOS asks the source to finish so buffered frames drain before the
// backend posts EOS. Only valid while running.
func (g *Graph) RequestEOS() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateRunning {
		return fmt.Errorf("%w: eos from %s", ErrInvalidTransition, g.state)
	}
	if err := g.backend.SendEOS(); err != nil {
		return fmt.Errorf("graph: send eos: %w", err)
	}
	slog.Info("graph: end of stream requested")
	return nil
}

// Stop releases every node. Valid from Idle or Running; idempotent.
func (g *Graph) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateStopped {
		return nil
	}
	prev := g.state
	g.state = StateStopped

	if err := g.backend.Release(); err != nil {
		return fmt.Errorf("graph: release: %w", err)
	}
	slog.Info("graph: stopped", "from", prev.String())
	return nil
}

// State returns the current lifecycle state.
func (g *Graph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Acceleration returns the topology the graph was built with.
func (g *Graph) Acceleration() Acceleration {
	return g.accel
}

// Messages returns the backend bus.
func (g *Graph) Messages() <-chan Message {
	return g.backend.Messages()
}

// Node returns the node playing role, if present.
func (g *Graph) Node(role Role) (Node, bool) {
	n, ok := g.byRole[role]
	return n, ok
}

// Describe renders the links as "a → b" pairs, source first.
func (g *Graph) Describe() string {
	var parts []string
	for _, n := range g.nodes {
		for _, dst := range g.outgoing[n.Name()] {
			parts = append(parts, fmt.Sprintf("%s → %s", n.Kind(), g.kindOf(dst)))
		}
	}
	return strings.Join(parts, ", ")
}

func (g *Graph) kindOf(name string) string {
	for _, n := range g.nodes {
		if n.Name() == name {
			return n.Kind()
		}
	}
	return name
}

func (g *Graph) register(role Role, n Node) {
	g.nodes = append(g.nodes, n)
	g.roles[n.Name()] = role
	g.byRole[role] = n
}

// link connects src to dst, enforcing one input per node.
func (g *Graph) link(src, dst Node) error {
	if prev, ok := g.incoming[dst.Name()]; ok {
		return fmt.Errorf("%w: %s already fed by %s", ErrAlreadyLinked, dst.Name(), prev)
	}
	if err := g.backend.Link(src, dst); err != nil {
		return fmt.Errorf("link %s → %s: %w", src.Name(), dst.Name(), err)
	}
	g.incoming[dst.Name()] = src.Name()
	g.outgoing[src.Name()] = append(g.outgoing[src.Name()], dst.Name())
	return nil
}

// verify checks the graph is fully linked.
func (g *Graph) verify() error {
	for _, n := range g.nodes {
		name := n.Name()
		role := g.roles[name]
		_, hasInput := g.incoming[name]
		outputs := len(g.outgoing[name])

		switch {
		case role.isSource() && hasInput:
			return fmt.Errorf("source %s has an input", name)
		case !role.isSource() && !hasInput:
			return fmt.Errorf("%s (%s) has no input", name, role)
		case role == RoleTee && outputs != 2:
			return fmt.Errorf("tee %s has %d outputs, want 2", name, outputs)
		case !role.isSink() && outputs == 0:
			return fmt.Errorf("%s (%s) has no output", name, role)
		case role.isSink() && outputs > 0:
			return fmt.Errorf("sink %s has an output", name)
		}
	}
	return nil
}
