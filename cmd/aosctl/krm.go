package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/krm"
)

// stdConsole adapts os.Stdin/os.Stdout to the io.ReadWriter krm.Manager
// drives its recovery menu over.
type stdConsole struct{}

func (stdConsole) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdConsole) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// logReporter persists a crash report by printing it, standing in for
// the real bug-report queue when replaying KRM outside a running kernel.
type logReporter struct{}

func (logReporter) Report(_ context.Context, info krm.PanicInfo) error {
	fmt.Printf("[crash-report %s] %s\n", info.ReportID, info.Message)
	return nil
}

// cliRebooter reports the developer harness's process exit in place of an
// actual reboot, since a hosted CLI process cannot reboot the host.
type cliRebooter struct{}

func (cliRebooter) RebootACPI() error {
	return fmt.Errorf("aosctl: ACPI reboot not available outside a booted kernel")
}

func (cliRebooter) TripleFault() {
	fmt.Println("aosctl: triple fault induced, exiting")
	os.Exit(1)
}

func krmReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "krm-replay <message>",
		Short: "Drive the Kernel Recovery Mode console interactively over this terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := krm.New(logReporter{}, cliRebooter{}, stdConsole{}, nil)
			m.Trigger(args[0], arch.CPUContext{})

			return nil
		},
	}
}
