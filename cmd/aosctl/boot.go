package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/boot"
	"github.com/axrxvm/aos/internal/kernel"
	"github.com/axrxvm/aos/internal/pmm"
)

// resolveBootInfo builds a boot.Info from the command's --boot-info/--mem
// flags, parsing a real boot-info blob when given one and falling back to
// a synthetic single-region memory map otherwise.
func resolveBootInfo(cmd *cobra.Command) (boot.Info, error) {
	path, err := cmd.Flags().GetString("boot-info")
	if err != nil {
		return boot.Info{}, err
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return boot.Info{}, fmt.Errorf("aosctl: read boot-info: %w", err)
		}

		return boot.Parse(raw)
	}

	memMiB, err := cmd.Flags().GetUint64("mem")
	if err != nil {
		return boot.Info{}, err
	}

	return boot.Info{
		MemoryMap: []pmm.MemoryRegion{
			{Base: arch.Addr(0), Length: memMiB * 1024 * 1024, Usable: true},
		},
	}, nil
}

func bootKernel(cmd *cobra.Command) (*kernel.Kernel, error) {
	info, err := resolveBootInfo(cmd)
	if err != nil {
		return nil, err
	}

	return kernel.New(info)
}

func bootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot a kernel in-process and print a summary of every subsystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel(cmd)
			if err != nil {
				return err
			}

			stats := k.Frames.Stats()
			fmt.Printf("frames: %d total, %d used, %d free\n", stats.TotalFrames, stats.UsedFrames, stats.FreeFrames)
			fmt.Printf("init pid: %d\n", kernel.InitPID)
			fmt.Printf("tick: %d\n", k.Interrupts.Ticks())

			return nil
		},
	}
}
