package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/axrxvm/aos/internal/proc"
)

func psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "Boot a kernel, spawn a couple of demo tasks, and print the PCB table",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel(cmd)
			if err != nil {
				return err
			}

			if _, err := k.Scheduler.Create("shell", 0, proc.PriorityNormal, proc.TaskShell); err != nil {
				return err
			}

			if _, err := k.Scheduler.Create("idled", 0, proc.PriorityIdle, proc.TaskService); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tNAME\tSTATE\tPRIORITY\tTYPE")

			for pid := 1; pid <= 3; pid++ {
				pcb, err := k.Scheduler.Lookup(pid)
				if err != nil {
					continue
				}

				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", pcb.PID, pcb.Name, pcb.State, pcb.Priority, pcb.TaskType)
			}

			return w.Flush()
		},
	}
}
