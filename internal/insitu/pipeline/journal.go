// Package pipeline holds Pipeline implementations for running a coupled
// module without a visualization scheduler.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/object"
)

var (
	ErrPortExists  = errors.New("pipeline: port already exists")
	ErrUnknownPort = errors.New("pipeline: unknown port")
)

// Journal is a Pipeline that logs what the simulation sends and keeps the
// newest objects of every port.
type Journal struct {
	logger *zap.Logger
	keep   int

	mu         sync.Mutex
	ports      map[string]*port
	params     map[string]string
	executions int
}

type port struct {
	label    string
	held     []*object.Handle
	received int
}

// PortSummary describes one output port
type PortSummary struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Received int      `json:"received"`
	Held     []string `json:"held"`
}

// Summary is a snapshot of the journal
type Summary struct {
	Ports      []PortSummary     `json:"ports"`
	Parameters map[string]string `json:"parameters"`
	Executions int               `json:"executions"`
}

// NewJournal keeps up to keep objects per port (at least one).
func NewJournal(logger *zap.Logger, keep int) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		logger: logger.Named("pipeline"),
		keep:   max(keep, 1),
		ports:  make(map[string]*port),
		params: make(map[string]string),
	}
}

func (j *Journal) CreateOutputPort(name, typeLabel string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.ports[name]; ok {
		return fmt.Errorf("%w: %s", ErrPortExists, name)
	}
	j.ports[name] = &port{label: typeLabel}
	j.logger.Info("Output port created", zap.String("port", name), zap.String("label", typeLabel))
	return nil
}

func (j *Journal) DestroyPort(name string) error {
	j.mu.Lock()
	p, ok := j.ports[name]
	delete(j.ports, name)
	j.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPort, name)
	}
	j.logger.Info("Output port destroyed", zap.String("port", name))
	return releaseAll(p.held)
}

func (j *Journal) AddIntParameter(name string, value int64) error {
	return j.setParam(name, fmt.Sprint(value))
}

func (j *Journal) AddStringParameter(name, value string) error {
	return j.setParam(name, value)
}

func (j *Journal) setParam(name, value string) error {
	j.mu.Lock()
	j.params[name] = value
	j.mu.Unlock()
	j.logger.Info("Parameter added", zap.String("name", name), zap.String("value", value))
	return nil
}

func (j *Journal) RemoveParameter(name string) error {
	j.mu.Lock()
	delete(j.params, name)
	j.mu.Unlock()
	return nil
}

// AddObject takes over h. Beyond the keep limit the oldest object of the
// port is released.
func (j *Journal) AddObject(name string, h *object.Handle) error {
	j.mu.Lock()
	p, ok := j.ports[name]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPort, name)
	}
	p.received++
	p.held = append(p.held, h)
	var evicted []*object.Handle
	if over := len(p.held) - j.keep; over > 0 {
		evicted = append(evicted, p.held[:over]...)
		p.held = append(p.held[:0:0], p.held[over:]...)
	}
	j.mu.Unlock()

	m := h.Meta()
	j.logger.Debug("Object received",
		zap.String("port", name),
		zap.String("object", h.Name().String()),
		zap.Stringer("kind", h.Kind()),
		zap.Int("timestep", m.Timestep),
		zap.Int("iteration", m.Iteration),
		zap.Int("execution_counter", m.ExecutionCounter))
	return releaseAll(evicted)
}

func (j *Journal) Execute() error {
	j.mu.Lock()
	j.executions++
	n := j.executions
	j.mu.Unlock()
	j.logger.Debug("Execute requested", zap.Int("executions", n))
	return nil
}

// Summary returns the ports, parameters and execution count
func (j *Journal) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Summary{
		Parameters: make(map[string]string, len(j.params)),
		Executions: j.executions,
	}
	for k, v := range j.params {
		s.Parameters[k] = v
	}
	for name, p := range j.ports {
		ps := PortSummary{Name: name, Label: p.label, Received: p.received, Held: []string{}}
		for _, h := range p.held {
			ps.Held = append(ps.Held, h.Name().String())
		}
		s.Ports = append(s.Ports, ps)
	}
	sort.Slice(s.Ports, func(a, b int) bool { return s.Ports[a].Name < s.Ports[b].Name })
	return s
}

// Close releases every held object and forgets all ports
func (j *Journal) Close() error {
	j.mu.Lock()
	var held []*object.Handle
	for _, p := range j.ports {
		held = append(held, p.held...)
	}
	j.ports = make(map[string]*port)
	j.mu.Unlock()
	return releaseAll(held)
}

func releaseAll(hs []*object.Handle) error {
	var errs []error
	for _, h := range hs {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
