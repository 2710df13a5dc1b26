package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itohio/gopmd/pkg/sample"
)

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show device identity, calibration and current readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			s, err := connect(cfg, opts.emulate, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			adc, err := s.ReadAdcFrame()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderDevice(s.Identity(), s.Config()))
			fmt.Fprintln(out, titleStyle.Render("Sensors"))
			fmt.Fprintln(out, renderRails(sample.ToRails(s.Sensors())))
			fmt.Fprintln(out, titleStyle.Render("ADC"))
			fmt.Fprint(out, renderValues(sample.ToAdcUnits(adc, s.Calibration())))
			return nil
		},
	}
}
