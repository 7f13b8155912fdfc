package krm

import (
	"errors"

	"github.com/axrxvm/aos/internal/arch"
)

// Keyboard-controller port and reset command used by the classic
// reboot-via-8042 sequence.
const (
	kbdControllerPort = 0x64
	kbdResetCommand   = 0xFE
)

// ErrACPINotSupported is returned by [PortRebooter.RebootACPI] on a
// simulated backend that never actually resets, so Manager falls through
// to the triple-fault path.
var ErrACPINotSupported = errors.New("krm: ACPI reboot not available on this backend")

// PortRebooter implements [Rebooter] over a PortIO backend, pulsing the
// keyboard controller's reset line the way a real BIOS-era reboot
// sequence does when ACPI is unavailable.
type PortRebooter struct {
	io       arch.PortIO
	fatalled func()
}

// NewPortRebooter creates a Rebooter over io. fatalled is invoked by
// TripleFault in place of an actual hardware triple fault, since a
// hosted Go process cannot induce one. A nil fatalled makes TripleFault
// return after the port write.
func NewPortRebooter(io arch.PortIO, fatalled func()) *PortRebooter {
	return &PortRebooter{io: io, fatalled: fatalled}
}

// RebootACPI always reports unavailable on the simulated backend; a real
// platform implementation would write the platform's ACPI reset register.
func (r *PortRebooter) RebootACPI() error {
	return ErrACPINotSupported
}

// TripleFault pulses the keyboard controller's CPU-reset line and, since
// nothing in a hosted simulation actually resets, calls the configured
// fallback.
func (r *PortRebooter) TripleFault() {
	r.io.Out8(kbdControllerPort, kbdResetCommand)

	if r.fatalled != nil {
		r.fatalled()
	}
}
