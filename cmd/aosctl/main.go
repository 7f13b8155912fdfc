// Command aosctl is a developer harness for the aOS kernel core: it boots
// a kernel.Kernel in-process, loads module images and prints
// PCB/VM-instance state for debugging; it does not step the scheduler. It plays the role
// elsie's cmd/elsie plays for the LC-3 simulator, rebuilt on
// github.com/spf13/cobra instead of a hand-rolled flag.FlagSet, the CLI
// stack carried over from arctir-proctor.
//
// This is strictly a development and test-harness tool, not the in-kernel
// user shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aosctl",
		Short: "Developer harness for booting and inspecting the aOS kernel core",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.PersistentFlags().Uint64("mem", 64, "simulated RAM size in MiB when no --boot-info file is given")
	root.PersistentFlags().String("boot-info", "", "path to a packed boot-info blob (see internal/boot); defaults to a synthetic flat memory map")

	root.AddCommand(bootCmd())
	root.AddCommand(loadModuleCmd())
	root.AddCommand(psCmd())
	root.AddCommand(krmReplayCmd())

	return root
}
