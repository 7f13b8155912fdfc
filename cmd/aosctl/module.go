package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/axrxvm/aos/internal/capctx"
)

func loadModuleCmd() *cobra.Command {
	var kernelVersion uint32

	cmd := &cobra.Command{
		Use:   "load-module <image>",
		Short: "Boot a kernel, load a module image, and print its registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel(cmd)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("aosctl: read module image: %w", err)
			}

			mod, err := k.LoadModule(raw, kernelVersion, capctx.CapLog|capctx.CapEnv, nil)
			if err != nil {
				return fmt.Errorf("aosctl: load module: %w", err)
			}

			fmt.Printf("loaded %q as pid %d, refcount %d, capabilities %#x\n",
				mod.Name, mod.TaskPID, mod.RefCount, uint32(mod.Capabilities))

			return nil
		},
	}

	cmd.Flags().Uint32Var(&kernelVersion, "kernel-version", 1, "kernel ABI version reported to the module's compatibility check")

	return cmd
}
