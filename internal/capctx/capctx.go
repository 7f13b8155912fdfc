// Package capctx implements the capability-brokered module context of
// spec.md §4.8: the function-pointer table every kernel module call
// crosses, gated per-call by a capability bitmask.
//
// capctx depends on config, kcrypto, log, proc and vfs for the operations
// it brokers. Only modvm and the kernel assembly code import capctx, which
// keeps it outside the proc/ipc/syscall import graph.
package capctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/axrxvm/aos/internal/config"
	"github.com/axrxvm/aos/internal/kcrypto"
	"github.com/axrxvm/aos/internal/log"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/vfs"
)

// maxConcurrentTimerCallbacks bounds how many of a module's due timer
// callbacks FireDue runs at once.
const maxConcurrentTimerCallbacks = 4

// Capability is one bit of the module capability mask, per spec.md §3/§4.8.
type Capability uint32

const (
	CapLog Capability = 1 << iota
	CapMemory
	CapCommand
	CapEnv
	CapPortIO
	CapPCI
	CapTimer
	CapSysInfo
	CapFilesystem
	CapIRQ
	CapProcess
	CapCrypto
)

// ErrCapability is returned (and logged) when a module call lacks the
// capability bit guarding it.
var ErrCapability = errors.New("capctx: missing capability")

// Timer is one module-registered timer driven from the PIT tick handler.
type Timer struct {
	ID       int
	Deadline uint64
	Period   uint64 // Zero for one-shot.
	Callback func()
	active   bool
}

// Context is the capability-brokered context handed to one loaded module.
// Every exported method checks its required capability bit before acting
// and returns ErrCapability (after logging the attempt) if it is missing.
type Context struct {
	ModuleName   string
	Granted      Capability
	mounts       *vfs.MountTable
	sched        *proc.Scheduler
	owner        *proc.PCB
	env          *config.EnvTable

	timerMu     sync.Mutex
	timers      map[int]*Timer
	nextTimerID int
	timerSem    *semaphore.Weighted

	log *log.Logger
}

// New creates a capability context for a module with the granted mask.
func New(name string, granted Capability, mounts *vfs.MountTable, sched *proc.Scheduler, owner *proc.PCB, env *config.EnvTable) *Context {
	return &Context{
		ModuleName: name,
		Granted:    granted,
		mounts:     mounts,
		sched:      sched,
		owner:      owner,
		env:        env,
		timers:     make(map[int]*Timer),
		nextTimerID: 1,
		timerSem:   semaphore.NewWeighted(maxConcurrentTimerCallbacks),
		log:        log.Component("MODULE:" + name),
	}
}

func (c *Context) check(required Capability, api string) error {
	if c.Granted&required == required {
		return nil
	}

	c.log.Warn("capability denied", log.String("api", api))

	return fmt.Errorf("capctx: %s: %w", api, ErrCapability)
}

// Log writes a message through the module's scoped logger, gated by
// CapLog.
func (c *Context) Log(level log.Level, msg string) error {
	if err := c.check(CapLog, "log"); err != nil {
		return err
	}

	c.log.Log(nil, level, msg)

	return nil
}

// RegisterCommand registers a shell/CLI command, gated by CapCommand.
// Storage and dispatch of commands is owned by the caller (the dev CLI or
// in-kernel shell); this records only the capability check.
func (c *Context) RegisterCommand(name string, fn func(args []string) int) error {
	return c.check(CapCommand, "register_cmd")
}

// Getenv reads an environment variable, gated by CapEnv.
func (c *Context) Getenv(name string) (string, error) {
	if err := c.check(CapEnv, "getenv"); err != nil {
		return "", err
	}

	return c.env.Get(name), nil
}

// Setenv writes an environment variable, gated by CapEnv.
func (c *Context) Setenv(name, value string) error {
	if err := c.check(CapEnv, "setenv"); err != nil {
		return err
	}

	return c.env.Set(name, value)
}

// Open opens a VFS path on the module's behalf, gated by CapFilesystem
// and routed through the owning PCB's sandbox, exactly as a syscall would.
func (c *Context) Open(path string, flags vfs.OpenFlags) (int, error) {
	if err := c.check(CapFilesystem, "vfs_open"); err != nil {
		return -1, err
	}

	resolved := path

	if c.owner != nil && c.owner.Sandbox != nil {
		var err error

		resolved, err = c.owner.Sandbox.ResolvePath(path)
		if err != nil {
			return -1, err
		}
	}

	fs, rel, err := c.mounts.Resolve(resolved)
	if err != nil {
		return -1, err
	}

	f, err := fs.Open(rel, flags)
	if err != nil {
		return -1, err
	}

	return c.owner.AllocFD(f)
}

// SpawnProcess creates a new task, gated by CapProcess.
func (c *Context) SpawnProcess(name string, entry uint32, priority proc.Priority) (*proc.PCB, error) {
	if err := c.check(CapProcess, "proc_spawn"); err != nil {
		return nil, err
	}

	return c.sched.Create(name, entry, priority, proc.TaskModule)
}

// KillProcess terminates pid, gated by CapProcess.
func (c *Context) KillProcess(pid int) error {
	if err := c.check(CapProcess, "proc_kill"); err != nil {
		return err
	}

	init := 1
	if c.owner != nil {
		init = c.owner.ParentPID
	}

	return c.sched.Kill(pid, init)
}

// Yield relinquishes the CPU on the module's behalf, gated by CapProcess.
func (c *Context) Yield() error {
	if err := c.check(CapProcess, "proc_yield"); err != nil {
		return err
	}

	c.sched.Yield()

	return nil
}

// CreateTimer registers a timer, gated by CapTimer. The timer fires only
// when FireDue is called; the kernel's tick handler does not call FireDue.
func (c *Context) CreateTimer(deadline, period uint64, cb func()) (int, error) {
	if err := c.check(CapTimer, "timer_create"); err != nil {
		return -1, err
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	id := c.nextTimerID
	c.nextTimerID++

	c.timers[id] = &Timer{ID: id, Deadline: deadline, Period: period, Callback: cb, active: true}

	return id, nil
}

// StopTimer deactivates a timer without removing its bookkeeping entry.
func (c *Context) StopTimer(id int) error {
	if err := c.check(CapTimer, "timer_stop"); err != nil {
		return err
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if t, ok := c.timers[id]; ok {
		t.active = false
	}

	return nil
}

// DestroyTimer removes a timer entirely.
func (c *Context) DestroyTimer(id int) error {
	if err := c.check(CapTimer, "timer_destroy"); err != nil {
		return err
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	delete(c.timers, id)

	return nil
}

// FireDue walks active timers, reschedules or retires those whose deadline
// has passed, and runs their callbacks concurrently, bounded by a
// semaphore so a module cannot starve the kernel with a storm of timer
// callbacks all firing in the same tick, per spec.md §4.8's PIT-driven
// timer model.
func (c *Context) FireDue(now uint64) {
	c.timerMu.Lock()

	var due []func()

	for _, t := range c.timers {
		if !t.active || now < t.Deadline {
			continue
		}

		due = append(due, t.Callback)

		if t.Period == 0 {
			t.active = false
			continue
		}

		t.Deadline = now + t.Period
	}

	c.timerMu.Unlock()

	if len(due) == 0 {
		return
	}

	g := new(errgroup.Group)

	for _, cb := range due {
		cb := cb

		g.Go(func() error {
			if err := c.timerSem.Acquire(context.Background(), 1); err != nil {
				return err
			}
			defer c.timerSem.Release(1)

			cb()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.log.Warn("timer callback group returned an error", log.String("error", err.Error()))
	}
}

// SHA256 hashes data, gated by CapCrypto.
func (c *Context) SHA256(data []byte) ([32]byte, error) {
	if err := c.check(CapCrypto, "crypto_sha256"); err != nil {
		return [32]byte{}, err
	}

	return kcrypto.SHA256(data), nil
}

// RandomBytes fills buf with random bytes, gated by CapCrypto.
func (c *Context) RandomBytes(buf []byte) error {
	if err := c.check(CapCrypto, "crypto_random"); err != nil {
		return err
	}

	return kcrypto.RandomBytes(buf)
}
