package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itohio/gopmd/pkg/pmd"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := pmd.Ports()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found")
				return nil
			}

			header := fmt.Sprintf("%-20s %-10s %s", "Port", "USB ID", "Description")
			fmt.Fprintln(out, headerStyle.Render(header))
			for _, p := range ports {
				id := "-"
				if p.IsUSB {
					id = p.VID + ":" + p.PID
				}
				fmt.Fprintln(out, cellStyle.Render(fmt.Sprintf("%-20s %-10s %s", p.Name, id, p.Description)))
			}
			return nil
		},
	}
}
