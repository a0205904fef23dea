/*
Package archive implements the self-describing format used to move object
payloads between processes that do not share memory.

# Frame

	offset  size  field
	0       4     magic "VFAR"
	4       2     version (little endian), currently 1
	6       2     flags, bit 0 = body is zstd compressed
	8       4     body length
	12      n     body: msgpack encoded Record
	12+n    8     xxhash64 of the body as stored

# Record

A Record is a kind tag, a name and an ordered list of Sections. Every layer of
a type hierarchy writes its own Section ("base_coords", "radii", ...) and the
reader asks for sections and fields by name. Sections or fields a reader does
not know are skipped, so older readers accept newer archives and the other way
around. Arrays are stored either as raw little-endian bytes or, inside one
arena, as slot references.

Readers accept every version up to Version and reject frames with unknown
flag bits.
*/
package archive
