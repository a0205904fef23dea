package object

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/vizflow/internal/archive"
	"github.com/GriffinCanCode/vizflow/internal/shared/id"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// MaxLiveCache bounds the number of payload views a Registry keeps for
// repeated lookups.
const MaxLiveCache = 1024

// Registry creates and resolves payloads in one arena. Payloads created by
// different registries on the same arena interoperate; creator and rank
// only make names unique.
type Registry struct {
	arena   *shm.Arena
	creator int
	rank    int
	counter atomic.Uint64
	logger  *zap.Logger

	live      sync.Map // id.ObjectName -> *Payload
	cacheSize atomic.Int64
	evictMu   sync.Mutex
}

// NewRegistry returns a registry creating payloads on behalf of creator
func NewRegistry(arena *shm.Arena, creator, rank int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		arena:   arena,
		creator: creator,
		rank:    rank,
		logger:  logger.Named("object"),
	}
}

// Arena returns the arena payloads live in
func (r *Registry) Arena() *shm.Arena { return r.arena }

// Creator returns the creator id stamped on new payloads
func (r *Registry) Creator() int { return r.creator }

// Create allocates an unpublished payload of kind with n elements in each
// per-element array.
func (r *Registry) Create(kind Kind, n int, meta Meta) (*Handle, error) {
	return r.create(kind, n, meta)
}

func (r *Registry) create(kind Kind, n int, meta Meta) (*Handle, error) {
	ops, ok := OpsFor(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int32(kind))
	}
	ref, err := r.arena.Allocate(shm.Byte, 0, flagObject)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %s: %w", kind, err)
	}

	meta.CreatorID = r.creator
	p := &Payload{
		reg:      r,
		ops:      ops,
		kind:     kind,
		name:     id.NewObjectName(r.creator, r.rank, r.counter.Add(1)),
		ref:      ref,
		meta:     meta,
		attrs:    make(map[string][]string),
		arrays:   make(map[string]*shm.Array),
		children: make(map[string]*Payload),
	}

	if err := ops.ResetArrays(p); err != nil {
		r.discard(p)
		return nil, err
	}
	if n > 0 {
		if err := ops.SetSize(p, n); err != nil {
			r.discard(p)
			return nil, err
		}
	}
	if err := p.writeDescriptor(); err != nil {
		r.discard(p)
		return nil, err
	}
	return &Handle{p: p}, nil
}

// discard frees a payload whose descriptor was never written.
func (r *Registry) discard(p *Payload) {
	for _, x := range p.arrays {
		_ = x.Release()
	}
	if _, err := r.arena.DecRef(p.ref); err == nil {
		_ = r.arena.Free(p.ref)
	}
}

// Publish binds h's name in the arena so Lookup can find it from any
// attachment.
func (r *Registry) Publish(h *Handle) error {
	if h.IsNull() {
		return ErrNullHandle
	}
	p := h.p
	if p.published.Load() {
		return nil
	}
	if err := p.writeDescriptor(); err != nil {
		return err
	}
	if err := r.arena.Bind(string(p.name), p.ref); err != nil {
		return fmt.Errorf("failed to publish %s: %w", p.name, err)
	}
	p.published.Store(true)
	r.remember(p)
	r.logger.Debug("Published object",
		zap.String("name", string(p.name)),
		zap.Stringer("kind", p.kind),
		zap.Stringer("ref", p.ref))
	return nil
}

// Lookup resolves a published name and takes a reference on it.
func (r *Registry) Lookup(name id.ObjectName) (*Handle, error) {
	if v, ok := r.live.Load(name); ok {
		p := v.(*Payload)
		if _, err := r.arena.IncRef(p.ref); err == nil {
			return &Handle{p: p}, nil
		}
		r.forget(name, p.ref)
	}

	ref, err := r.arena.Acquire(string(name))
	if err != nil {
		if errors.Is(err, shm.ErrNotFound) || errors.Is(err, shm.ErrStaleHandle) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	p, err := r.load(ref)
	if err != nil {
		_ = r.releaseRef(ref)
		return nil, err
	}
	r.remember(p)
	return &Handle{p: p}, nil
}

// Adopt resolves a published name whose reference the caller was handed by
// the sender. No reference is taken. If the payload cannot be rebuilt the
// handed-over reference is dropped.
func (r *Registry) Adopt(name id.ObjectName) (*Handle, error) {
	ref, err := r.arena.Resolve(string(name))
	if err != nil {
		if errors.Is(err, shm.ErrNotFound) || errors.Is(err, shm.ErrStaleHandle) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if v, ok := r.live.Load(name); ok && v.(*Payload).ref == ref {
		return &Handle{p: v.(*Payload)}, nil
	}
	p, err := r.load(ref)
	if err != nil {
		if rerr := r.releaseRef(ref); rerr != nil {
			r.logger.Warn("Failed to drop reference to unreadable object",
				zap.String("name", string(name)), zap.Error(rerr))
		}
		return nil, err
	}
	r.remember(p)
	return &Handle{p: p}, nil
}

// Live returns the number of cached payload views
func (r *Registry) Live() int { return int(r.cacheSize.Load()) }

// load rebuilds a payload view from the descriptor in slot ref.
func (r *Registry) load(ref shm.Ref) (*Payload, error) {
	info, err := r.arena.Info(ref)
	if err != nil {
		return nil, err
	}
	if info.Flags&flagObject == 0 {
		return nil, fmt.Errorf("%w: %s is not an object", archive.ErrCorrupt, ref)
	}
	buf, err := r.arena.Bytes(ref)
	if err != nil {
		return nil, err
	}
	rec, err := archive.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	ops, ok := opsTable[Kind(rec.Kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, rec.Kind)
	}

	p := &Payload{
		reg:      r,
		ops:      ops,
		kind:     ops.kind,
		name:     id.ObjectName(rec.Name),
		ref:      ref,
		meta:     NewMeta(),
		attrs:    loadAttributes(rec),
		arrays:   make(map[string]*shm.Array),
		children: make(map[string]*Payload),
	}
	if s, ok := rec.Lookup("object"); ok {
		p.meta = loadMeta(s)
	}
	if err := ops.attach(p, rec); err != nil {
		return nil, err
	}
	if cur, err := r.arena.Resolve(rec.Name); err == nil && cur == ref {
		p.published.Store(true)
	}
	return p, nil
}

// fromRecord builds a new payload from an inline record. The payload gets a
// local name; meta and attributes come from the record.
func (r *Registry) fromRecord(rec *archive.Record) (*Handle, error) {
	h, err := r.create(Kind(rec.Kind), 0, NewMeta())
	if err != nil {
		return nil, err
	}
	p := h.p
	if s, ok := rec.Lookup("object"); ok {
		p.meta = loadMeta(s)
	}
	p.attrs = loadAttributes(rec)
	if err := p.ops.Load(p, rec); err != nil {
		h.Release()
		return nil, err
	}
	if err := p.writeDescriptor(); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

// releaseRef drops one reference on a payload slot and destroys it when it
// was the last.
func (r *Registry) releaseRef(ref shm.Ref) error {
	n, err := r.arena.DecRef(ref)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return r.destroy(ref)
}

// releaseArray drops one reference on an array slot
func (r *Registry) releaseArray(ref shm.Ref) error {
	n, err := r.arena.DecRef(ref)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.arena.Free(ref)
	}
	return nil
}

// destroy runs when the payload's refcount reached zero in this process.
// Everything it needs is read from the descriptor.
func (r *Registry) destroy(ref shm.Ref) error {
	buf, err := r.arena.Bytes(ref)
	if err != nil {
		return err
	}
	rec, err := archive.Unmarshal(buf)
	if err != nil {
		r.logger.Warn("Destroying object with unreadable descriptor",
			zap.Stringer("ref", ref), zap.Error(err))
		return errors.Join(err, r.arena.Free(ref))
	}

	var errs []error
	for _, s := range rec.Sections {
		for _, field := range s.Names() {
			owned, _, ok := s.Ref(field)
			if !ok {
				continue
			}
			info, err := r.arena.Info(owned)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if info.Flags&flagObject != 0 {
				errs = append(errs, r.releaseRef(owned))
			} else {
				errs = append(errs, r.releaseArray(owned))
			}
		}
	}

	if cur, err := r.arena.Resolve(rec.Name); err == nil && cur == ref {
		r.arena.Unbind(rec.Name)
	}
	errs = append(errs, r.arena.Free(ref))
	r.forget(id.ObjectName(rec.Name), ref)

	r.logger.Debug("Destroyed object",
		zap.String("name", rec.Name),
		zap.Stringer("kind", Kind(rec.Kind)))
	return errors.Join(errs...)
}

func (r *Registry) remember(p *Payload) {
	if _, loaded := r.live.LoadOrStore(p.name, p); loaded {
		return
	}
	if r.cacheSize.Add(1) > MaxLiveCache {
		r.evict()
	}
}

// forget drops name from the cache if it still maps to ref
func (r *Registry) forget(name id.ObjectName, ref shm.Ref) {
	v, ok := r.live.Load(name)
	if !ok || v.(*Payload).ref != ref {
		return
	}
	if r.live.CompareAndDelete(name, v) {
		r.cacheSize.Add(-1)
	}
}

// evict trims the cache to half its limit. Cached views hold no
// references, so dropping any of them is safe.
func (r *Registry) evict() {
	if !r.evictMu.TryLock() {
		return
	}
	defer r.evictMu.Unlock()

	excess := r.cacheSize.Load() - MaxLiveCache/2
	r.live.Range(func(key, value any) bool {
		if excess <= 0 {
			return false
		}
		if r.live.CompareAndDelete(key, value) {
			r.cacheSize.Add(-1)
			excess--
		}
		return true
	})
}
