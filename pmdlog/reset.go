package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reboot the device",
		Long: `Send the reset command to the device and close the port.

The device is not identified first, so this also recovers a device left
streaming by an interrupted run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			s, err := openSession(cfg, opts.emulate, nil)
			if err != nil {
				return err
			}
			if err := s.Reset(); err != nil {
				s.Close()
				return err
			}
			log.Info().Msg("device reset")
			return nil
		},
	}
}
