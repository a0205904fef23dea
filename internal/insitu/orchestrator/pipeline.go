package orchestrator

import (
	"fmt"

	"github.com/GriffinCanCode/vizflow/internal/object"
)

// Pipeline is the part of the scheduler a coupled module drives.
//
// AddObject takes over h's reference when it returns nil.
type Pipeline interface {
	CreateOutputPort(name, typeLabel string) error
	DestroyPort(name string) error
	AddIntParameter(name string, value int64) error
	AddStringParameter(name, value string) error
	RemoveParameter(name string) error
	AddObject(port string, h *object.Handle) error
	Execute() error
}

// guard runs a pipeline callback and turns a panic into an error
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline %s panicked: %v", op, r)
		}
	}()
	return fn()
}
