/*
Package object implements the typed, reference-counted payloads exchanged by
pipeline modules and simulations.

# Model

A payload is a kind tag, a unique name, scheduling Meta, string attributes,
a set of named arrays and optional sub-objects. All of that lives in a shm
Arena:

  - every array is an arena slot with its own refcount
  - the payload itself is a slot holding a descriptor record; the slot's
    refcount is the payload's refcount, and the descriptor owns one
    reference on each array and sub-object it names

Destroying a payload (last Release anywhere) reads the descriptor, drops the
references it owns, unbinds the name and frees the slot. Because everything
needed for that is in the arena, the last holder may be a different process
from the creator.

# Kinds

Kinds form a closed set. Each kind is described by an Ops value built from
layers; a layer owns some arrays, an archive section and a validation rule:

	Points          = base_coords
	Spheres         = base_coords + radii
	Tubes           = base_coords + radii + tubes
	StructuredGrid  = base_coords + structured
	UniformGrid     = uniform
	RectilinearGrid = rectilinear
	Vec1, Vec3      = vec (optional "grid" sub-object)

Typed views (Coords, Spheres, Vec, ...) are obtained with As, which checks the
kind and shares the source handle's reference.

# Registry

There is no global catalog. A Registry bound to one arena creates, publishes
and resolves payloads, and every constructor goes through it.
*/
package object
