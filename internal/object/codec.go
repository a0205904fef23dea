package object

import (
	"fmt"

	"github.com/GriffinCanCode/vizflow/internal/archive"
)

// Serialize encodes h with array contents and sub-objects inline, so the
// result is independent of the arena.
func (r *Registry) Serialize(h *Handle, opts archive.Options) ([]byte, error) {
	if h.IsNull() {
		return nil, ErrNullHandle
	}
	data, err := archive.Marshal(h.p.record(inlineMode), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", h.p.name, err)
	}
	return data, nil
}

// Deserialize rebuilds a payload from Serialize output. The result is
// unpublished and carries a fresh local name.
func (r *Registry) Deserialize(data []byte) (*Handle, error) {
	rec, err := archive.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	h, err := r.fromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize %q: %w", rec.Name, err)
	}
	return h, nil
}
