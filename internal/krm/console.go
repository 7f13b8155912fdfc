package krm

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/axrxvm/aos/internal/log"
)

// runConsole drives the interactive recovery menu of spec.md §4.9 step 5:
// explanation, details, backtrace, registers, reboot, halt. It never
// returns to normal kernel execution — every path either loops back to
// the menu or calls halt/reboot, both of which do not return either.
func (m *Manager) runConsole(info PanicInfo) {
	reader := bufio.NewReader(m.console)

	for {
		fmt.Fprint(m.console, krmBanner)

		line, err := reader.ReadString('\n')
		if err != nil {
			m.halt()
			return
		}

		switch strings.TrimSpace(line) {
		case "1":
			fmt.Fprintln(m.console, info.Explanation)
		case "2":
			fmt.Fprintf(m.console, "%s at %s:%d (tick %d)\n", info.Message, info.File, info.Line, info.Tick)
		case "3":
			for i, pc := range info.Backtrace {
				fmt.Fprintf(m.console, "  #%02d %#x\n", i, pc)
			}
		case "4":
			fmt.Fprintln(m.console, info.Registers.String())
		case "5":
			m.reboot()
			return
		case "6":
			m.halt()
			return
		default:
			fmt.Fprintln(m.console, "unrecognized selection")
		}
	}
}

const krmBanner = `
--- KERNEL RECOVERY MODE ---
1) view explanation
2) view details
3) view backtrace
4) view registers
5) reboot
6) halt
> `

// reboot attempts the ACPI/keyboard-controller path first, falling back
// to a triple fault, per spec.md §4.9 step 5.
func (m *Manager) reboot() {
	if m.rebooter == nil {
		m.halt()
		return
	}

	if err := m.rebooter.RebootACPI(); err != nil {
		m.log.Warn("ACPI reboot failed, inducing triple fault", log.String("error", err.Error()))
		m.rebooter.TripleFault()
	}
}
