// Package krm implements the Kernel Recovery Mode of spec.md §4.9: panic
// capture, cascading-panic detection, best-effort crash-report
// persistence, and an interactive recovery console.
//
// krm is deliberately independent of proc, vfs, and the scheduler — it is
// triggered via [Trigger] from anywhere in the kernel and only touches
// the serial/console and port-I/O primitives, so a fault inside any of
// those subsystems can never take KRM down with it.
package krm

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/log"
)

// MaxBacktraceDepth bounds the frame-pointer walk recorded in a PanicInfo.
const MaxBacktraceDepth = 32

// PanicInfo is the snapshot captured on an unrecoverable fault, per
// spec.md §3.
type PanicInfo struct {
	ReportID    uuid.UUID
	Message     string
	File        string
	Line        int
	Registers   arch.CPUContext
	Backtrace   []uintptr
	Tick        uint64
	Explanation string
	Suggestions []string
}

// panicking is the static cascading-panic flag of spec.md §4.9 step 3.
var panicking atomic.Bool

// CascadeDetected reports whether KRM is already handling a panic, the
// way a caller checks before re-entering.
func CascadeDetected() bool {
	return panicking.Load()
}

// Reporter persists crash reports best-effort, e.g. to a reserved disk
// region or the bug-report queue; failures are logged, never escalated.
type Reporter interface {
	Report(ctx context.Context, info PanicInfo) error
}

// Rebooter performs the two-stage reboot attempt of spec.md §4.9 step 5.
type Rebooter interface {
	RebootACPI() error
	TripleFault()
}

// Manager coordinates panic capture, persistence, and the interactive
// recovery console.
type Manager struct {
	reporter Reporter
	rebooter Rebooter
	console  io.ReadWriter
	log      *log.Logger
	ticks    func() uint64

	// haltFn overrides halt's infinite sleep loop; nil means halt for real.
	// Tests set this to observe that a halt path was reached without
	// blocking forever.
	haltFn func()
}

// New creates a KRM manager. console is typically the serial port, kept
// independent of the normal VGA/keyboard console per spec.md §4.9.
func New(reporter Reporter, rebooter Rebooter, console io.ReadWriter, ticks func() uint64) *Manager {
	return &Manager{
		reporter: reporter,
		rebooter: rebooter,
		console:  console,
		log:      log.Component("KRM"),
		ticks:    ticks,
	}
}

// Trigger captures a PanicInfo, detects cascading panics, attempts a
// best-effort crash report, and enters the interactive recovery console.
// Per spec.md §4.9, this never returns to normal execution.
func (m *Manager) Trigger(message string, registers arch.CPUContext) {
	if panicking.Swap(true) {
		m.log.Error("cascading panic detected, halting immediately")
		m.halt()

		return
	}

	_, file, line, _ := runtime.Caller(2)

	info := PanicInfo{
		ReportID:    uuid.New(),
		Message:     message,
		File:        file,
		Line:        line,
		Registers:   registers,
		Backtrace:   captureBacktrace(),
		Tick:        m.currentTick(),
		Explanation: explain(message),
		Suggestions: suggest(message),
	}

	m.log.Error("kernel panic",
		log.String("report_id", info.ReportID.String()),
		log.String("message", message),
		log.String("file", file),
		log.Int("line", line),
	)

	m.persist(info)
	m.runConsole(info)
}

func (m *Manager) currentTick() uint64 {
	if m.ticks == nil {
		return 0
	}

	return m.ticks()
}

func captureBacktrace() []uintptr {
	pcs := make([]uintptr, MaxBacktraceDepth)
	n := runtime.Callers(3, pcs)

	return pcs[:n]
}

// persist attempts to write the crash report, retrying transient
// failures with a bounded exponential backoff before giving up — the
// "best-effort via the bug-report queue" language of spec.md §4.9.
func (m *Manager) persist(info PanicInfo) {
	if m.reporter == nil {
		return
	}

	op := func() (struct{}, error) {
		return struct{}{}, m.reporter.Report(context.Background(), info)
	}

	_, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		m.log.Warn("crash report persistence failed", log.String("error", err.Error()))
	}
}

func (m *Manager) halt() {
	if m.haltFn != nil {
		m.haltFn()
		return
	}

	for {
		time.Sleep(time.Hour)
	}
}

func explain(message string) string {
	return fmt.Sprintf("the kernel reached an unrecoverable state: %s", message)
}

func suggest(string) []string {
	return []string{
		"review the backtrace for the first kernel frame",
		"check for a recently loaded module matching the faulting address range",
		"reboot and re-run with module loading disabled if the fault recurs",
	}
}

// ReadSerialPassword reads a line from a serial-backed terminal without
// echoing it, used by a future authenticated-recovery extension; exposed
// here because it is the one piece of KRM's console handling that needs
// golang.org/x/term's raw-mode support rather than plain line reads.
func ReadSerialPassword(fd int) (string, error) {
	b, err := term.ReadPassword(fd)
	return string(b), err
}
