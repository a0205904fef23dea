package object

import "fmt"

// Meta carries the scheduling metadata of a payload.
type Meta struct {
	ExecutionCounter int
	Iteration        int
	Generation       int
	Timestep         int // -1: static data
	NumTimesteps     int
	Block            int // -1: not partitioned
	NumBlocks        int
	CreatorID        int
	RealTime         float64
}

// NewMeta returns a Meta with every counter unset.
func NewMeta() Meta {
	return Meta{
		ExecutionCounter: -1,
		Iteration:        -1,
		Generation:       -1,
		Timestep:         -1,
		NumTimesteps:     -1,
		Block:            -1,
		NumBlocks:        -1,
		CreatorID:        -1,
	}
}

// Validate checks that block and timestep indices come with their counts.
func (m Meta) Validate() error {
	if m.Block >= 0 && m.NumBlocks < 1 {
		return fmt.Errorf("%w: block %d without block count", ErrValidation, m.Block)
	}
	if m.Block >= 0 && m.Block >= m.NumBlocks {
		return fmt.Errorf("%w: block %d out of %d", ErrValidation, m.Block, m.NumBlocks)
	}
	if m.Timestep >= 0 && m.NumTimesteps < 1 {
		return fmt.Errorf("%w: timestep %d without timestep count", ErrValidation, m.Timestep)
	}
	return nil
}

// IsStatic reports whether the data does not vary over time
func (m Meta) IsStatic() bool { return m.Timestep < 0 }
