package object

import (
	"fmt"

	"github.com/GriffinCanCode/vizflow/internal/shm"
)

var baseCoords = &layer{
	section: "base_coords",
	arrays: []arraySpec{
		{name: "x", elem: shm.Float32, sized: true},
		{name: "y", elem: shm.Float32, sized: true},
		{name: "z", elem: shm.Float32, sized: true},
	},
	validate: func(p *Payload) error {
		return sameLength(p, "x", "y", "z")
	},
}

var radii = &layer{
	section: "radii",
	arrays:  []arraySpec{{name: "radius", elem: shm.Float32, sized: true}},
	validate: func(p *Payload) error {
		return sameLength(p, "x", "radius")
	},
}

var tubes = &layer{
	section: "tubes",
	arrays:  []arraySpec{{name: "components", elem: shm.Uint32}},
	validate: func(p *Payload) error {
		comp := shm.View[uint32](p.arrays["components"])
		n := p.arrays["x"].Len()
		if len(comp) == 0 {
			if n != 0 {
				return fmt.Errorf("%w: %d coordinates without tube components", ErrValidation, n)
			}
			return nil
		}
		if comp[0] != 0 {
			return fmt.Errorf("%w: first tube starts at %d", ErrValidation, comp[0])
		}
		for i := 1; i < len(comp); i++ {
			if comp[i] < comp[i-1] {
				return fmt.Errorf("%w: tube components decrease at %d", ErrValidation, i)
			}
		}
		if int(comp[len(comp)-1]) != n {
			return fmt.Errorf("%w: tube components end at %d, have %d coordinates", ErrValidation, comp[len(comp)-1], n)
		}
		return nil
	},
}

var uniform = &layer{
	section: "uniform",
	arrays: []arraySpec{
		{name: "min", elem: shm.Float32, fixed: 3},
		{name: "max", elem: shm.Float32, fixed: 3},
		{name: "dims", elem: shm.Uint32, fixed: 3},
	},
	validate: func(p *Payload) error {
		lo := shm.View[float32](p.arrays["min"])
		hi := shm.View[float32](p.arrays["max"])
		for i := 0; i < 3; i++ {
			if lo[i] > hi[i] {
				return fmt.Errorf("%w: uniform grid min exceeds max on axis %d", ErrValidation, i)
			}
		}
		return nil
	},
}

var rectilinear = &layer{
	section: "rectilinear",
	arrays: []arraySpec{
		{name: "coords_x", elem: shm.Float32},
		{name: "coords_y", elem: shm.Float32},
		{name: "coords_z", elem: shm.Float32},
	},
	validate: func(p *Payload) error {
		for _, name := range []string{"coords_x", "coords_y", "coords_z"} {
			c := shm.View[float32](p.arrays[name])
			for i := 1; i < len(c); i++ {
				if c[i] < c[i-1] {
					return fmt.Errorf("%w: %s decreases at %d", ErrValidation, name, i)
				}
			}
		}
		return nil
	},
}

var structured = &layer{
	section: "structured",
	arrays:  []arraySpec{{name: "dims", elem: shm.Uint32, fixed: 3}},
	validate: func(p *Payload) error {
		if want, have := product(shm.View[uint32](p.arrays["dims"])), p.arrays["x"].Len(); want != have {
			return fmt.Errorf("%w: structured grid dims give %d vertices, have %d", ErrValidation, want, have)
		}
		return nil
	},
}

var vec1 = &layer{
	section:  "vec",
	arrays:   []arraySpec{{name: "x", elem: shm.Float32, sized: true}},
	children: []string{"grid"},
	validate: validateVec("x"),
}

var vec3 = &layer{
	section: "vec",
	arrays: []arraySpec{
		{name: "x", elem: shm.Float32, sized: true},
		{name: "y", elem: shm.Float32, sized: true},
		{name: "z", elem: shm.Float32, sized: true},
	},
	children: []string{"grid"},
	validate: validateVec("x", "y", "z"),
}

func validateVec(components ...string) func(p *Payload) error {
	return func(p *Payload) error {
		if err := sameLength(p, components...); err != nil {
			return err
		}
		grid := p.children["grid"]
		if grid == nil {
			return nil
		}
		if nv, ok := grid.numVertices(); ok && nv != p.arrays["x"].Len() {
			return fmt.Errorf("%w: %d values for a grid of %d vertices", ErrValidation, p.arrays["x"].Len(), nv)
		}
		return nil
	}
}

func sameLength(p *Payload, names ...string) error {
	want := p.arrays[names[0]].Len()
	for _, name := range names[1:] {
		if have := p.arrays[name].Len(); have != want {
			return fmt.Errorf("%w: %s has %d elements, %s has %d", ErrValidation, names[0], want, name, have)
		}
	}
	return nil
}

func product(dims []uint32) int {
	if len(dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}
