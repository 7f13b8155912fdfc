package ipc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/log"
)

var (
	ErrExists   = errors.New("ipc: shared region already exists")
	ErrNotFound = errors.New("ipc: shared region not found")
)

var regionLog = log.Component("ipc.region")

// SharedRegion is a name-addressed, reference-counted shared-memory
// mapping, per spec.md §3.
type SharedRegion struct {
	Name     string
	Token    uuid.UUID // Collision-free identity for logging and crash reports, independent of Name.
	VirtBase arch.Addr
	PhysBase arch.Addr
	Size     uint32
	OwnerPID int
	Perms    uint32

	refCount int
	creatorClosed bool
}

// RefCount returns the region's current reference count.
func (r *SharedRegion) RefCount() int {
	return r.refCount
}

// Registry is the process-wide table of named shared regions, per
// DESIGN.md's resolution of the shared-region survival open question: a
// region outlives its creator as long as another holder still references
// it.
type Registry struct {
	mu      sync.Mutex
	regions map[string]*SharedRegion
}

// NewRegistry creates an empty shared-region registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]*SharedRegion)}
}

// Create registers a new named region with an initial reference count of
// one, held by the creator.
func (reg *Registry) Create(name string, virt, phys arch.Addr, size uint32, ownerPID int, perms uint32) (*SharedRegion, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.regions[name]; exists {
		return nil, fmt.Errorf("ipc: create %q: %w", name, ErrExists)
	}

	r := &SharedRegion{
		Name:     name,
		Token:    uuid.New(),
		VirtBase: virt,
		PhysBase: phys,
		Size:     size,
		OwnerPID: ownerPID,
		Perms:    perms,
		refCount: 1,
	}

	reg.regions[name] = r

	regionLog.Debug("shared region created", log.String("name", name), log.String("token", r.Token.String()))

	return r, nil
}

// Open looks up an existing region by name and increments its reference
// count for the new holder.
func (reg *Registry) Open(name string) (*SharedRegion, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.regions[name]
	if !ok {
		return nil, fmt.Errorf("ipc: open %q: %w", name, ErrNotFound)
	}

	r.refCount++

	return r, nil
}

// Release decrements the region's reference count. When it reaches zero
// the region is removed from the registry and true is returned so the
// caller can reclaim the backing frames.
func (reg *Registry) Release(name string) (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.regions[name]
	if !ok {
		return false, fmt.Errorf("ipc: release %q: %w", name, ErrNotFound)
	}

	r.refCount--

	if r.refCount <= 0 {
		delete(reg.regions, name)
		regionLog.Debug("shared region released", log.String("name", name), log.String("token", r.Token.String()))

		return true, nil
	}

	return false, nil
}

// Lookup returns the region named name without affecting its ref count.
func (reg *Registry) Lookup(name string) (*SharedRegion, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.regions[name]
	if !ok {
		return nil, fmt.Errorf("ipc: lookup %q: %w", name, ErrNotFound)
	}

	return r, nil
}
