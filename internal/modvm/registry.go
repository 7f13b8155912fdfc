package modvm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/axrxvm/aos/internal/capctx"
	"github.com/axrxvm/aos/internal/log"
	"github.com/axrxvm/aos/internal/proc"
)

var (
	ErrExists     = errors.New("modvm: module name already loaded")
	ErrNotLoaded  = errors.New("modvm: module not loaded")
	ErrRefCount   = errors.New("modvm: module still referenced")
	ErrInitFailed = errors.New("modvm: module init failed")
)

// Module is one entry of the loaded-module registry, per spec.md §3.
type Module struct {
	Name         string
	Image        *Image
	Instance     *Instance
	Capabilities capctx.Capability
	RefCount     int
	TaskPID      int
}

// Registry is the process-wide table of loaded modules.
type Registry struct {
	mu      sync.Mutex
	modules map[string]*Module
	sched   *proc.Scheduler
	log     *log.Logger
}

// NewRegistry creates an empty module registry bound to sched for
// creating the task PID representing each loaded module.
func NewRegistry(sched *proc.Scheduler) *Registry {
	return &Registry{
		modules: make(map[string]*Module),
		sched:   sched,
		log:     log.Component("MODVM"),
	}
}

// LoadVM validates and installs a VM module image, registers it, and
// creates a PCB of task_type=MODULE representing it in the scheduler, per
// spec.md §4.7. init(ctx) is the caller's responsibility once the
// instance is bound to a capability context, since that context depends
// on kernel wiring the registry does not own.
func (r *Registry) LoadVM(raw []byte, kernelVersion uint32, api []APIFunc, ctx *capctx.Context) (*Module, error) {
	img, err := Load(raw, kernelVersion)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[img.Header.Name]; exists {
		return nil, fmt.Errorf("modvm: load %q: %w", img.Header.Name, ErrExists)
	}

	instance := NewInstance(img.Code, img.Data, api, ctx)

	pcb, err := r.sched.Create(img.Header.Name, img.Header.InitOffset, proc.PriorityNormal, proc.TaskModule)
	if err != nil {
		return nil, fmt.Errorf("modvm: load %q: %w", img.Header.Name, err)
	}

	mod := &Module{
		Name:         img.Header.Name,
		Image:        img,
		Instance:     instance,
		Capabilities: img.Header.RequiredCapabilities,
		RefCount:     1,
		TaskPID:      pcb.PID,
	}

	r.modules[mod.Name] = mod
	r.log.Info("module loaded", log.String("name", mod.Name), log.Int("pid", pcb.PID))

	return mod, nil
}

// Lookup returns the module named name.
func (r *Registry) Lookup(name string) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("modvm: lookup %q: %w", name, ErrNotLoaded)
	}

	return m, nil
}

// AddRef increments a module's reference count.
func (r *Registry) AddRef(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("modvm: addref %q: %w", name, ErrNotLoaded)
	}

	m.RefCount++

	return nil
}

// Unload drains one reference and, once the count reaches zero, removes
// the module from the registry and terminates its task, per spec.md
// §4.7's unload sequence. cleanup(ctx) is the caller's responsibility,
// invoked before Unload once the ref count is known to be about to drop
// to zero.
func (r *Registry) Unload(name string, initPID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("modvm: unload %q: %w", name, ErrNotLoaded)
	}

	m.RefCount--

	if m.RefCount > 0 {
		return nil
	}

	delete(r.modules, name)

	return r.sched.Kill(m.TaskPID, initPID)
}

// List returns the names of every currently loaded module.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}

	return names
}
