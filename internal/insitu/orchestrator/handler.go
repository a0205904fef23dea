package orchestrator

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/insitu/protocol"
)

// handle applies one control message on the worker goroutine
func (o *Orchestrator) handle(p protocol.Payload) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("control handler panicked", zap.Any("panic", r), zap.Stringer("type", p.Type()))
			keep = true
		}
	}()

	switch m := p.(type) {
	case protocol.SetPorts:
		o.setPorts(m)
	case protocol.SetCommands:
		o.setCommands(m.Names, intCommand)
	case protocol.SetCustomCommands:
		o.setCommands(m.Names, stringCommand)
	case protocol.IntOption:
		o.mu.Lock()
		if _, known := o.options[m.Name]; known {
			o.options[m.Name] = m.Value
		}
		o.mu.Unlock()
		o.logger.Debug("simulation acknowledged option", zap.String("name", m.Name), zap.Int64("value", m.Value))
	case protocol.GoOn:
		if err := o.send(context.Background(), protocol.GoOn{}); err != nil {
			o.logger.Warn("failed to answer GoOn", zap.Error(err))
		}
	case protocol.Ready:
		if !m.State {
			select {
			case o.ack <- struct{}{}:
			default:
			}
		}
	case protocol.ConnectionClosed, protocol.Quit:
		return false
	default:
		o.logger.Debug("ignoring control message", zap.Stringer("type", p.Type()))
	}
	return true
}

// setPorts destroys ports no longer listed and creates new ones. A port
// whose type label changed is recreated.
func (o *Orchestrator) setPorts(m protocol.SetPorts) {
	names, labels := m.Ports()
	want := make(map[string]string, len(names))
	for i, name := range names {
		want[name] = labels[i]
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, name := range sortedKeys(o.ports) {
		if label, ok := want[name]; ok && label == o.ports[name] {
			continue
		}
		if err := guard("DestroyPort", func() error { return o.pipe.DestroyPort(name) }); err != nil {
			o.logger.Warn("failed to destroy port", zap.String("port", name), zap.Error(err))
		}
		delete(o.ports, name)
	}
	for i, name := range names {
		if _, ok := o.ports[name]; ok {
			continue
		}
		label := labels[i]
		if err := guard("CreateOutputPort", func() error { return o.pipe.CreateOutputPort(name, label) }); err != nil {
			o.logger.Warn("failed to create port", zap.String("port", name), zap.Error(err))
			continue
		}
		o.ports[name] = label
	}
	for port := range o.connections {
		if _, ok := o.ports[port]; !ok {
			delete(o.connections, port)
		}
	}
	o.logger.Debug("ports updated", zap.Strings("ports", sortedKeys(o.ports)))
}

// setCommands diffs the trigger parameters of one kind
func (o *Orchestrator) setCommands(names []string, kind commandKind) {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, name := range sortedKeys(o.commands) {
		if o.commands[name] != kind || want[name] {
			continue
		}
		if err := guard("RemoveParameter", func() error { return o.pipe.RemoveParameter(name) }); err != nil {
			o.logger.Warn("failed to remove command", zap.String("command", name), zap.Error(err))
		}
		delete(o.commands, name)
	}
	for _, name := range names {
		if _, ok := o.commands[name]; ok {
			continue
		}
		var err error
		if kind == intCommand {
			err = guard("AddIntParameter", func() error { return o.pipe.AddIntParameter(name, 0) })
		} else {
			err = guard("AddStringParameter", func() error { return o.pipe.AddStringParameter(name, "") })
		}
		if err != nil {
			o.logger.Warn("failed to add command", zap.String("command", name), zap.Error(err))
			continue
		}
		o.commands[name] = kind
	}
}

// onPackage runs the pipeline once a batch of objects is complete
func (o *Orchestrator) onPackage() {
	if err := guard("Execute", o.pipe.Execute); err != nil {
		o.logger.Warn("pipeline execution failed", zap.Error(err))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
