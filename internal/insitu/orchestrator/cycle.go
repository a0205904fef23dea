package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/insitu/coupling"
	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
	"github.com/GriffinCanCode/vizflow/internal/object"
)

// OnPrepareCycle hands every object buffered since the last cycle to the
// pipeline and returns how many were admitted. Objects are stamped with
// the cycle's execution counter; unset iteration and timestep fields take
// the most recently observed values. Objects that fail validation or name
// an unknown port are dropped and released.
func (o *Orchestrator) OnPrepareCycle() int {
	start := time.Now()
	o.reap()

	o.mu.Lock()
	batch := o.leftover
	o.leftover = nil
	if o.worker != nil {
		batch = append(batch, o.worker.Take()...)
	}
	o.counter++
	counter := o.counter
	ports := make(map[string]bool, len(o.ports))
	for name := range o.ports {
		ports[name] = true
	}
	o.mu.Unlock()

	admitted := 0
	for _, p := range batch {
		if o.admit(p, counter, ports) {
			admitted++
		}
	}

	if arena := o.reg.Arena(); arena != nil {
		st := arena.Stats()
		o.metrics.SetArena(st.FreeBytes, st.LiveSlots)
	}
	o.metrics.ObserveCycle(time.Since(start))
	if len(batch) > 0 {
		o.logger.Debug("prepared cycle",
			zap.Int("execution_counter", counter),
			zap.Int("received", len(batch)),
			zap.Int("admitted", admitted))
	}
	return admitted
}

func (o *Orchestrator) admit(p coupling.Pending, counter int, ports map[string]bool) bool {
	h := p.Handle
	drop := func(reason string, err error) bool {
		o.metrics.RecordDrop(reason)
		o.logger.Warn("dropping simulation object",
			zap.String("port", p.Port),
			zap.String("object", h.Name().String()),
			zap.String("reason", reason),
			zap.Error(err))
		if rerr := h.Release(); rerr != nil {
			o.logger.Warn("failed to release dropped object", zap.Error(rerr))
		}
		return false
	}

	if !ports[p.Port] {
		return drop("unknown_port", fmt.Errorf("no output port %q", p.Port))
	}

	err := h.UpdateMeta(func(m *object.Meta) {
		m.ExecutionCounter = counter
		m.CreatorID = o.cfg.ModuleID
		o.stamp(m)
	})
	if err != nil {
		return drop("meta", err)
	}
	if err := h.Validate(); err != nil {
		return drop("validation", err)
	}
	if !h.Published() {
		if err := o.reg.Publish(h); err != nil {
			return drop("publish", err)
		}
	}
	if err := guard("AddObject", func() error { return o.pipe.AddObject(p.Port, h) }); err != nil {
		return drop("pipeline", err)
	}
	o.metrics.RecordObject("published")
	return true
}

// stamp fills unset iteration and timestep from the last object that set
// them, and remembers the values of objects that do.
func (o *Orchestrator) stamp(m *object.Meta) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m.Iteration >= 0 {
		o.iteration = m.Iteration
	} else {
		m.Iteration = o.iteration
	}
	if m.Timestep >= 0 {
		o.timestep = m.Timestep
		o.numSteps = m.NumTimesteps
	} else if o.timestep >= 0 {
		m.Timestep = o.timestep
		m.NumTimesteps = max(o.numSteps, o.timestep+1)
	}
}

// BeginExecute announces the ports with downstream connections and tells
// the simulation an execution has started.
func (o *Orchestrator) BeginExecute(ctx context.Context) error {
	if !o.connected() {
		return nil
	}
	o.mu.Lock()
	var groups [][]string
	for _, port := range o.connectedPorts() {
		if label := o.ports[port]; label != "" {
			groups = append(groups, []string{port, label})
		} else {
			groups = append(groups, []string{port})
		}
	}
	o.mu.Unlock()

	select {
	case <-o.ack:
	default:
	}
	for _, m := range []protocol.Payload{protocol.SetPorts{Groups: groups}, protocol.Ready{State: true}} {
		if err := o.send(ctx, m); err != nil {
			o.fail("begin execute", err)
			return err
		}
	}
	return nil
}

// EndExecute tells the simulation the execution is over and waits up to
// EndTimeout for its acknowledgement. A silent peer is treated as crashed:
// the session is disconnected and ErrCouplingTimeout returned.
func (o *Orchestrator) EndExecute(ctx context.Context) error {
	o.mu.Lock()
	w := o.worker
	o.mu.Unlock()
	if w == nil || !o.connected() {
		return nil
	}
	if err := o.send(ctx, protocol.Ready{State: false}); err != nil {
		o.fail("end execute", err)
		return err
	}

	timer := time.NewTimer(o.cfg.EndTimeout)
	defer timer.Stop()
	select {
	case <-o.ack:
		return nil
	case <-w.Done():
		return protocol.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	err := fmt.Errorf("%w: no acknowledgement within %s", protocol.ErrCouplingTimeout, o.cfg.EndTimeout)
	o.logger.Warn("simulation is unresponsive, disconnecting", zap.Error(err))
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	o.Disconnect()
	return err
}

// SetIntOption changes an option and forwards it when connected
func (o *Orchestrator) SetIntOption(ctx context.Context, name string, value int64) error {
	o.mu.Lock()
	if _, known := o.options[name]; !known {
		o.mu.Unlock()
		return fmt.Errorf("unknown option %q", name)
	}
	o.options[name] = value
	o.mu.Unlock()

	if !o.connected() {
		return nil
	}
	if err := o.send(ctx, protocol.IntOption{Name: name, Value: value}); err != nil {
		o.fail("set option", err)
		return err
	}
	return nil
}

// TriggerCommand asks the simulation to run a command it announced
func (o *Orchestrator) TriggerCommand(ctx context.Context, name, arg string) error {
	o.mu.Lock()
	_, known := o.commands[name]
	o.mu.Unlock()
	if !known {
		return fmt.Errorf("unknown command %q", name)
	}
	if err := o.send(ctx, protocol.ExecuteCommand{Name: name, Arg: arg}); err != nil {
		o.fail("trigger command", err)
		return err
	}
	return nil
}

// ConnectionAdded records a downstream connection on port. The simulation
// hears about the first one.
func (o *Orchestrator) ConnectionAdded(ctx context.Context, port string) error {
	o.mu.Lock()
	o.connections[port]++
	first := o.connections[port] == 1
	o.mu.Unlock()
	if !first || !o.connected() {
		return nil
	}
	return o.send(ctx, protocol.ConnectPort{Port: port})
}

// ConnectionRemoved drops a downstream connection on port. The simulation
// hears about the last one.
func (o *Orchestrator) ConnectionRemoved(ctx context.Context, port string) error {
	o.mu.Lock()
	n := o.connections[port]
	if n == 0 {
		o.mu.Unlock()
		return nil
	}
	if n == 1 {
		delete(o.connections, port)
	} else {
		o.connections[port] = n - 1
	}
	o.mu.Unlock()
	if n > 1 || !o.connected() {
		return nil
	}
	return o.send(ctx, protocol.DisconnectPort{Port: port})
}

// Status is a snapshot for the status server
type Status struct {
	State            string           `json:"state"`
	SessionID        string           `json:"session_id,omitempty"`
	Key              string           `json:"key,omitempty"`
	Rank             int              `json:"rank"`
	Instance         int              `json:"instance"`
	Ports            []string         `json:"ports"`
	Commands         []string         `json:"commands"`
	Options          map[string]int64 `json:"options"`
	Pending          int              `json:"pending"`
	ExecutionCounter int              `json:"execution_counter"`
	LastError        string           `json:"last_error,omitempty"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		State:            o.session.State().String(),
		Rank:             o.cfg.Rank,
		Instance:         o.instance,
		Ports:            sortedKeys(o.ports),
		Commands:         sortedKeys(o.commands),
		Options:          make(map[string]int64, len(o.options)),
		Pending:          len(o.leftover),
		ExecutionCounter: o.counter,
	}
	if o.session != nil {
		st.SessionID = o.session.ID.String()
		st.Key = o.session.Key
	}
	for k, v := range o.options {
		st.Options[k] = v
	}
	if o.worker != nil {
		st.Pending += o.worker.Len()
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	return st
}
