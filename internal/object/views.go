package object

import "github.com/GriffinCanCode/vizflow/internal/shm"

type view[V any] interface {
	*V
	bind(h *Handle) bool
}

// As checks h's kind and returns a typed view sharing h's reference. The
// view must not outlive h; Retain h first to keep it separately.
func As[V any, PV view[V]](h *Handle) (V, bool) {
	var v V
	if h.IsNull() || !PV(&v).bind(h) {
		var zero V
		return zero, false
	}
	return v, true
}

func floats(h *Handle, name string) []float32 { return shm.View[float32](h.p.arrays[name]) }

// Coords views any kind built on base coordinates.
type Coords struct{ *Handle }

func (c *Coords) bind(h *Handle) bool {
	if !hasLayer(h.p.kind, baseCoords) {
		return false
	}
	c.Handle = h
	return true
}

func (c Coords) X() []float32 { return floats(c.Handle, "x") }
func (c Coords) Y() []float32 { return floats(c.Handle, "y") }
func (c Coords) Z() []float32 { return floats(c.Handle, "z") }

// NumCoords returns the number of vertices
func (c Coords) NumCoords() int { return c.p.arrays["x"].Len() }

// SetCoords resizes the coordinate arrays and copies x, y and z into them.
func (c Coords) SetCoords(x, y, z []float32) error {
	if err := c.SetSize(len(x)); err != nil {
		return err
	}
	copy(c.X(), x)
	copy(c.Y(), y)
	copy(c.Z(), z)
	return nil
}

// ReuseCoords shares src's coordinate arrays instead of copying them.
func (c Coords) ReuseCoords(src Coords) error {
	for _, name := range []string{"x", "y", "z"} {
		if err := c.ShareArray(name, src.Handle, name); err != nil {
			return err
		}
	}
	return nil
}

// CoordsWithRadius views kinds carrying a per-vertex radius.
type CoordsWithRadius struct{ Coords }

func (c *CoordsWithRadius) bind(h *Handle) bool {
	if !hasLayer(h.p.kind, radii) {
		return false
	}
	c.Handle = h
	return true
}

func (c CoordsWithRadius) Radius() []float32 { return floats(c.Handle, "radius") }

type Points struct{ Coords }

func (v *Points) bind(h *Handle) bool {
	if h.p.kind != KindPoints {
		return false
	}
	v.Handle = h
	return true
}

type Spheres struct{ CoordsWithRadius }

func (v *Spheres) bind(h *Handle) bool {
	if h.p.kind != KindSpheres {
		return false
	}
	v.Handle = h
	return true
}

// Tubes views poly-lines with radius. Components holds the start index of
// every tube plus a final entry equal to the number of vertices.
type Tubes struct{ CoordsWithRadius }

func (v *Tubes) bind(h *Handle) bool {
	if h.p.kind != KindTubes {
		return false
	}
	v.Handle = h
	return true
}

func (v Tubes) Components() []uint32 { return shm.View[uint32](v.p.arrays["components"]) }

// SetComponents replaces the tube boundaries
func (v Tubes) SetComponents(starts []uint32) error {
	x := v.p.arrays["components"]
	if err := x.Resize(len(starts)); err != nil {
		return err
	}
	copy(v.Components(), starts)
	return nil
}

// NumTubes returns the number of tubes
func (v Tubes) NumTubes() int {
	if n := len(v.Components()); n > 0 {
		return n - 1
	}
	return 0
}

type UniformGrid struct{ *Handle }

func (v *UniformGrid) bind(h *Handle) bool {
	if h.p.kind != KindUniformGrid {
		return false
	}
	v.Handle = h
	return true
}

func (v UniformGrid) Min() []float32 { return floats(v.Handle, "min") }
func (v UniformGrid) Max() []float32 { return floats(v.Handle, "max") }
func (v UniformGrid) Dims() []uint32 { return shm.View[uint32](v.p.arrays["dims"]) }

// SetBounds sets the grid extent and the number of vertices per axis
func (v UniformGrid) SetBounds(lo, hi [3]float32, dims [3]uint32) {
	copy(v.Min(), lo[:])
	copy(v.Max(), hi[:])
	copy(v.Dims(), dims[:])
}

type RectilinearGrid struct{ *Handle }

func (v *RectilinearGrid) bind(h *Handle) bool {
	if h.p.kind != KindRectilinearGrid {
		return false
	}
	v.Handle = h
	return true
}

// Coords returns the vertex positions along axis 0, 1 or 2
func (v RectilinearGrid) Coords(axis int) []float32 {
	return floats(v.Handle, rectilinearAxes[axis])
}

// SetCoords replaces the vertex positions along axis
func (v RectilinearGrid) SetCoords(axis int, values []float32) error {
	x := v.p.arrays[rectilinearAxes[axis]]
	if err := x.Resize(len(values)); err != nil {
		return err
	}
	copy(v.Coords(axis), values)
	return nil
}

var rectilinearAxes = [3]string{"coords_x", "coords_y", "coords_z"}

type StructuredGrid struct{ Coords }

func (v *StructuredGrid) bind(h *Handle) bool {
	if h.p.kind != KindStructuredGrid {
		return false
	}
	v.Handle = h
	return true
}

func (v StructuredGrid) Dims() []uint32 { return shm.View[uint32](v.p.arrays["dims"]) }

// SetDims sets the number of vertices per axis
func (v StructuredGrid) SetDims(dims [3]uint32) { copy(v.Dims(), dims[:]) }

// Vec views Vec1 and Vec3 data. Dim reports which.
type Vec struct{ *Handle }

func (v *Vec) bind(h *Handle) bool {
	if h.p.kind != KindVec1 && h.p.kind != KindVec3 {
		return false
	}
	v.Handle = h
	return true
}

// Dim returns the number of components
func (v Vec) Dim() int { return int(v.p.kind - KindVec) }

// Component returns component 0, 1 or 2
func (v Vec) Component(c int) []float32 {
	return floats(v.Handle, [3]string{"x", "y", "z"}[c])
}

// Len returns the number of values per component
func (v Vec) Len() int { return v.p.arrays["x"].Len() }

// Grid returns a new reference on the grid the values are mapped onto
func (v Vec) Grid() *Handle { return v.Child("grid") }

// SetGrid maps the values onto grid
func (v Vec) SetGrid(grid *Handle) error { return v.SetChild("grid", grid) }
