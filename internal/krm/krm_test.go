package krm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/axrxvm/aos/internal/arch"
)

type fakeReporter struct {
	failures int
	calls    int
	last     PanicInfo
}

func (f *fakeReporter) Report(_ context.Context, info PanicInfo) error {
	f.calls++
	f.last = info

	if f.calls <= f.failures {
		return errors.New("transient write failure")
	}

	return nil
}

type fakeRebooter struct {
	acpiErr      error
	tripleFaulted bool
}

func (f *fakeRebooter) RebootACPI() error {
	return f.acpiErr
}

func (f *fakeRebooter) TripleFault() {
	f.tripleFaulted = true
}

// consoleBuf backs Manager.console with a fixed script of menu selections
// followed by EOF, which lets runConsole exit via its halt path once the
// script is exhausted.
type consoleBuf struct {
	*bytes.Buffer
	out bytes.Buffer
}

func newConsoleBuf(script string) *consoleBuf {
	return &consoleBuf{Buffer: bytes.NewBufferString(script)}
}

func (c *consoleBuf) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestCascadeDetectedAfterTrigger(t *testing.T) {
	panicking.Store(false)
	defer panicking.Store(false)

	if CascadeDetected() {
		t.Fatal("should not be cascading before any Trigger")
	}

	m := New(&fakeReporter{}, nil, newConsoleBuf("6\n"), func() uint64 { return 0 })
	m.haltFn = func() {}
	m.Trigger("first fault", arch.CPUContext{})

	if !CascadeDetected() {
		t.Fatal("should report cascading once Trigger has run")
	}
}

func TestTriggerCapturesPanicInfoFields(t *testing.T) {
	panicking.Store(false)
	defer panicking.Store(false)

	reporter := &fakeReporter{}
	console := newConsoleBuf("6\n") // halt immediately
	halted := make(chan struct{})

	m := New(reporter, nil, console, func() uint64 { return 42 })
	m.haltFn = func() { close(halted) }

	m.Trigger("division by zero", arch.CPUContext{EIP: 0x1000})

	<-halted

	if reporter.calls != 1 {
		t.Fatalf("reporter called %d times, want 1", reporter.calls)
	}

	if reporter.last.Message != "division by zero" {
		t.Fatalf("message = %q", reporter.last.Message)
	}

	if reporter.last.Tick != 42 {
		t.Fatalf("tick = %d, want 42", reporter.last.Tick)
	}

	if reporter.last.Registers.EIP != 0x1000 {
		t.Fatalf("EIP = %#x", reporter.last.Registers.EIP)
	}

	if reporter.last.Explanation == "" {
		t.Fatal("expected non-empty explanation")
	}
}

func TestTriggerHaltsImmediatelyOnCascade(t *testing.T) {
	panicking.Store(true)
	defer panicking.Store(false)

	reporter := &fakeReporter{}
	console := newConsoleBuf("")
	halted := make(chan struct{})

	m := New(reporter, nil, console, nil)
	m.haltFn = func() { close(halted) }

	m.Trigger("second fault", arch.CPUContext{})

	<-halted

	if reporter.calls != 0 {
		t.Fatal("a cascading panic must not attempt persistence")
	}
}

func TestPersistRetriesThenGivesUp(t *testing.T) {
	reporter := &fakeReporter{failures: 5}
	m := New(reporter, nil, newConsoleBuf(""), nil)

	m.persist(PanicInfo{Message: "oom"})

	if reporter.calls == 0 {
		t.Fatal("expected at least one report attempt")
	}

	if reporter.calls > 3 {
		t.Fatalf("expected retries bounded at 3 attempts, got %d", reporter.calls)
	}
}

func TestPersistSucceedsAfterTransientFailures(t *testing.T) {
	reporter := &fakeReporter{failures: 1}
	m := New(reporter, nil, newConsoleBuf(""), nil)

	m.persist(PanicInfo{Message: "oom"})

	if reporter.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one failure, one success)", reporter.calls)
	}
}

func TestConsoleMenuPrintsExplanationAndDetails(t *testing.T) {
	console := newConsoleBuf("1\n2\n6\n")
	halted := make(chan struct{})

	m := New(nil, nil, console, func() uint64 { return 7 })
	m.haltFn = func() { close(halted) }

	info := PanicInfo{Message: "page fault", File: "vmm.go", Line: 88, Tick: 7, Explanation: "unmapped address accessed"}
	m.runConsole(info)

	<-halted

	out := console.out.String()
	if !strings.Contains(out, info.Explanation) {
		t.Fatalf("expected explanation in output, got %q", out)
	}

	if !strings.Contains(out, "vmm.go:88") {
		t.Fatalf("expected details line with file:line, got %q", out)
	}
}

func TestConsoleRebootFallsBackToTripleFaultOnACPIFailure(t *testing.T) {
	console := newConsoleBuf("5\n")
	rebooter := &fakeRebooter{acpiErr: errors.New("no ACPI tables")}

	m := New(nil, rebooter, console, nil)
	m.runConsole(PanicInfo{})

	if !rebooter.tripleFaulted {
		t.Fatal("expected TripleFault to be called after ACPI reboot failure")
	}
}

func TestConsoleRebootWithoutRebooterHalts(t *testing.T) {
	console := newConsoleBuf("5\n")
	halted := make(chan struct{})

	m := New(nil, nil, console, nil)
	m.haltFn = func() { close(halted) }

	m.runConsole(PanicInfo{})

	<-halted
}

func TestConsoleUnrecognizedSelectionReprompts(t *testing.T) {
	console := newConsoleBuf("9\n6\n")
	halted := make(chan struct{})

	m := New(nil, nil, console, nil)
	m.haltFn = func() { close(halted) }

	m.runConsole(PanicInfo{})

	<-halted

	scanner := bufio.NewScanner(strings.NewReader(console.out.String()))
	found := false

	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "unrecognized selection") {
			found = true
		}
	}

	if !found {
		t.Fatal("expected an 'unrecognized selection' line")
	}
}
