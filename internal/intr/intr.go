// Package intr implements interrupt and exception dispatch: the 256-vector
// table, the fixed exception/IRQ/syscall-trap ranges, and end-of-interrupt
// policy toward the (simulated) PIC.
//
// The table shape generalizes elsie's vm.Interrupt (a priority-ordered
// interrupt descriptor table keyed by device priority) to a flat,
// vector-indexed table sized for the x86 exception/IRQ/trap layout of
// spec.md §4.3, keeping the same "vector -> handler, dispatch through a
// single table" idiom.
package intr

import (
	"errors"
	"fmt"

	"github.com/axrxvm/aos/internal/log"
)

// Vector ranges, per spec.md §4.3 and §6.
const (
	NumVectors = 256

	ExceptionsLo = 0
	ExceptionsHi = 31

	IRQsLo = 32
	IRQsHi = 47

	SyscallVector = 128

	TimerIRQ    = 32
	KeyboardIRQ = 33
)

// Well-known exception vectors.
const (
	ExcDivideByZero     = 0
	ExcPageFault        = 14
	ExcGeneralProtection = 13
)

// ErrNoHandler is returned by Dispatch when an exception vector has no
// registered handler. Per spec.md §4.3 this is always fatal; callers must
// escalate to KRM.
var ErrNoHandler = errors.New("intr: no handler installed for exception")

// Frame is the uniform register frame every vector's stub is documented to
// push before calling the common dispatcher.
type Frame struct {
	Vector uint8
	ErrorCode uint32 // Only meaningful for exceptions that push one (e.g. GPF, page fault).
	EIP, CS, EFlags uint32
	ESP, SS uint32 // Only present on a privilege-level change.
}

// Handler services one interrupt vector. It returns an error only for
// exception vectors; IRQ and trap handlers are expected to recover from
// their own failures internally (§4.3: "handlers run with interrupts
// disabled unless they explicitly re-enable").
type Handler func(frame Frame) error

// PIC models the programmable interrupt controller pair well enough to
// exercise EOI policy: the slave chip must be acknowledged before the
// master for any IRQ numbered 8 or above.
type PIC interface {
	SendEOI(irq uint8)
}

// Table is the 256-vector interrupt dispatch table, a process-wide
// singleton created once at boot.
type Table struct {
	handlers [NumVectors]Handler
	pic      PIC
	tick     uint64

	log *log.Logger
}

// NewTable creates a dispatch table wired to a PIC for EOI delivery.
func NewTable(pic PIC) *Table {
	return &Table{pic: pic, log: log.Component("INTR")}
}

// Register installs a handler for vector. Overwriting an existing handler
// is permitted (module unload/reload, driver hot-swap); the caller is
// responsible for not doing so accidentally.
func (t *Table) Register(vector uint8, h Handler) {
	t.handlers[vector] = h
}

// Unregister removes the handler for vector, if any.
func (t *Table) Unregister(vector uint8) {
	t.handlers[vector] = nil
}

// Dispatch routes a vector to its registered handler, following the EOI
// policy of spec.md §4.3: IRQs always send EOI to the PIC(s) before
// invoking the handler, slave first when the IRQ is >= 8. Exception
// dispatch without a registered handler returns [ErrNoHandler]; the caller
// escalates that to KRM. The syscall trap and unregistered IRQs silently
// no-op (there is nothing to acknowledge faster than dropping the
// interrupt).
func (t *Table) Dispatch(frame Frame) error {
	v := frame.Vector

	if isIRQ(v) {
		irq := v - IRQsLo
		if irq >= 8 {
			t.pic.SendEOI(8) // Slave chip, cascade IRQ.
		}

		t.pic.SendEOI(irq)
	}

	h := t.handlers[v]
	if h == nil {
		if isException(v) {
			return fmt.Errorf("intr: vector %d: %w", v, ErrNoHandler)
		}

		t.log.Debug("dispatch: no handler", log.Int("vector", int(v)))

		return nil
	}

	if err := h(frame); err != nil {
		if isException(v) {
			return fmt.Errorf("intr: vector %d: %w", v, err)
		}

		t.log.Error("handler error", log.Int("vector", int(v)), log.String("err", err.Error()))
	}

	return nil
}

func isException(v uint8) bool { return v <= ExceptionsHi }
func isIRQ(v uint8) bool       { return v >= IRQsLo && v <= IRQsHi }

// Tick increments the process-wide tick counter and returns the new value.
// Called by the timer (vector 32) handler before invoking the scheduler.
func (t *Table) Tick() uint64 {
	t.tick++
	return t.tick
}

// Ticks returns the current tick counter without incrementing it.
func (t *Table) Ticks() uint64 {
	return t.tick
}
