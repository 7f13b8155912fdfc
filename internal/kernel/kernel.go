// Package kernel assembles every subsystem package into a single running
// instance, playing the role elsie's vm.LC3 struct plays for the LC-3
// simulator: one value that owns the PMM, VMM, interrupt table,
// scheduler, syscall gate, IPC registries, module VM registry, capability
// broker and KRM manager, threaded through boot.
package kernel

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/boot"
	"github.com/axrxvm/aos/internal/capctx"
	"github.com/axrxvm/aos/internal/config"
	"github.com/axrxvm/aos/internal/intr"
	"github.com/axrxvm/aos/internal/ipc"
	"github.com/axrxvm/aos/internal/krm"
	"github.com/axrxvm/aos/internal/log"
	"github.com/axrxvm/aos/internal/modvm"
	"github.com/axrxvm/aos/internal/pmm"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
	"github.com/axrxvm/aos/internal/syscall"
	"github.com/axrxvm/aos/internal/vfs"
	"github.com/axrxvm/aos/internal/vmm"
)

// InitPID is the well-known PID of the init task, the reparenting target
// for orphaned children (DESIGN.md, resolving spec.md §9's ZOMBIE open
// question).
const InitPID = 1

// Kernel owns every subsystem and is the single value threaded through
// boot and the developer CLI.
type Kernel struct {
	Frames    *pmm.Allocator
	VMM       *vmm.Manager
	Interrupts *intr.Table
	PIC       *intr.SoftPIC
	Scheduler *proc.Scheduler
	Syscalls  *syscall.Gate
	Mailboxes map[int]*ipc.Mailbox
	Channels  *ipc.ChannelTable
	Shared    *ipc.Registry
	Modules   *modvm.Registry
	Mounts    *vfs.MountTable
	Env       *config.EnvTable
	Users     *config.UserDB
	KRM       *krm.Manager

	BootInfo boot.Info

	log *log.Logger
}

// Option configures a Kernel during [New].
type Option func(*Kernel)

// WithKRM overrides the default no-op KRM wiring, e.g. to attach a real
// Reporter/Rebooter and serial console.
func WithKRM(reporter krm.Reporter, rebooter krm.Rebooter, console io.ReadWriter) Option {
	return func(k *Kernel) {
		k.KRM = krm.New(reporter, rebooter, console, k.Interrupts.Ticks)
	}
}

// New boots a Kernel from a parsed boot-info handoff: it initializes the
// physical frame allocator from the memory map, builds every subsystem in
// spec.md §2's dependency order, and spawns the init task.
func New(info boot.Info, opts ...Option) (*Kernel, error) {
	frames := pmm.New()
	if err := frames.Init(0, info.MemoryMap, false); err != nil {
		return nil, err
	}

	mgr := vmm.NewManager(frames, arch.NopTLB{})
	pic := intr.NewSoftPIC()
	table := intr.NewTable(pic)
	sched := proc.NewScheduler(mgr)
	gate := syscall.NewGate()
	channels := ipc.NewChannelTable()
	shared := ipc.NewRegistry()
	modules := modvm.NewRegistry(sched)
	mounts := vfs.NewMountTable()
	env := config.NewEnvTable()
	users := config.NewUserDB()

	k := &Kernel{
		Frames:     frames,
		VMM:        mgr,
		Interrupts: table,
		PIC:        pic,
		Scheduler:  sched,
		Syscalls:   gate,
		Mailboxes:  make(map[int]*ipc.Mailbox),
		Channels:   channels,
		Shared:     shared,
		Modules:    modules,
		Mounts:     mounts,
		Env:        env,
		Users:      users,
		BootInfo:   info,
		log:        log.Component("KERNEL"),
	}

	syscall.RegisterStandard(gate, mounts, k.mailbox, channels, sched, mgr, InitPID)

	table.Register(intr.TimerIRQ, func(intr.Frame) error {
		k.Tick()
		return nil
	})

	if _, err := sched.Create("init", 0, proc.PriorityNormal, proc.TaskKernel); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(k)
	}

	if k.KRM == nil {
		k.KRM = krm.New(nil, nil, noopConsole{}, k.Interrupts.Ticks)
	}

	k.log.Info("kernel initialized", log.Int("init_pid", InitPID))

	return k, nil
}

// mailbox returns (creating if necessary) the mailbox belonging to pid,
// satisfying the signature [syscall.RegisterStandard] expects.
func (k *Kernel) mailbox(pid int) *ipc.Mailbox {
	if mb, ok := k.Mailboxes[pid]; ok {
		return mb
	}

	mb := ipc.NewMailbox()
	k.Mailboxes[pid] = mb

	return mb
}

// NewCapabilityContext builds a capctx.Context for a module owned by
// owner, scoped to granted capabilities.
func (k *Kernel) NewCapabilityContext(name string, granted capctx.Capability, owner *proc.PCB) *capctx.Context {
	return capctx.New(name, granted, k.Mounts, k.Scheduler, owner, k.Env)
}

// LoadModule loads and starts a module image under a fresh sandbox and
// capability context, wiring the resulting task into the scheduler, then
// runs the module's init(ctx) entry point, per spec.md §4.7's load
// sequence. The capability context can only be built once the module's
// task PCB exists, so the instance is loaded context-less and bound
// afterward, and init only runs once that binding is in place. If init
// fails (e.g. it calls a module-context function its capability mask
// doesn't cover), the module is unwound and the failure is returned; it
// is never added to the registry in a half-initialized state.
func (k *Kernel) LoadModule(raw []byte, kernelVersion uint32, granted capctx.Capability, api []modvm.APIFunc) (*modvm.Module, error) {
	mod, err := k.Modules.LoadVM(raw, kernelVersion, api, nil)
	if err != nil {
		return nil, err
	}

	task, err := k.Scheduler.Lookup(mod.TaskPID)
	if err != nil {
		return nil, err
	}

	task.Sandbox = sandbox.New(sandbox.CageStrict)
	mod.Instance.BindContext(k.NewCapabilityContext(mod.Name, granted, task))

	if status := mod.Instance.RunFrom(int(mod.Image.Header.InitOffset)); status == modvm.StatusError {
		errno := mod.Instance.Errno()

		if uerr := k.Modules.Unload(mod.Name, InitPID); uerr != nil {
			k.log.Warn("module init failed and unload also failed",
				log.String("name", mod.Name), log.Int("errno", errno))
		}

		return nil, fmt.Errorf("modvm: module %q: %w (errno=%d)", mod.Name, modvm.ErrInitFailed, errno)
	}

	return mod, nil
}

// noopConsole discards writes and reports EOF on read, used when no real
// serial console has been wired via [WithKRM].
type noopConsole struct{}

func (noopConsole) Read([]byte) (int, error)  { return 0, io.EOF }
func (noopConsole) Write(p []byte) (int, error) { return len(p), nil }

// Tick advances the simulated PIT by one, driving scheduler preemption
// (a running task whose time-slice has run out is requeued and the next
// task selected) and sleeping-task wakeups. Module timers are not fired
// here: capctx timers run only when [capctx.Context.FireDue] is called,
// and Tick does not call it. It is the body of the
// timer IRQ (vector 32) handler registered in [New]; call it directly
// only from tests that want to step the clock without going through
// interrupt dispatch.
func (k *Kernel) Tick() {
	now := k.Interrupts.Tick()
	k.Scheduler.Tick()

	if k.Scheduler.TimeSliceExpired() {
		k.Scheduler.Schedule()
	}

	k.Scheduler.WakeSleepers(now)
}

// Run drives the simulated PIT on interval until ctx is cancelled,
// dispatching a timer IRQ through the interrupt table on every tick
// (EOI to the PIC, then the handler registered in [New]), and
// supervising the ticker goroutine with an errgroup the same way
// elsie's tty.Console supervises its keyboard/display goroutines. It
// returns the first error any supervised goroutine returns, or
// ctx.Err() on a clean shutdown.
func (k *Kernel) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := k.Interrupts.Dispatch(intr.Frame{Vector: intr.TimerIRQ}); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}
