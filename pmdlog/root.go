package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itohio/gopmd/pkg/config"
	"github.com/itohio/gopmd/pkg/pmd"
)

// options holds the command line flags. Flags that were not set leave the
// configuration file values alone.
type options struct {
	configFile  string
	port        string
	emulate     bool
	verbose     bool
	quiet       bool
	speed       int
	intervalMs  int
	out         string
	deadline    time.Duration
	average     int
	metricsAddr string
	natsURL     string
	natsSubject string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "pmdlog",
		Short: "Log power readings from an ElmorLabs PMD-USB",
		Long: `Log voltage and current of the four PMD-USB rails (PCIE1, PCIE2, EPS1, EPS2).

Speed levels:
  0  read the onboard sensor block once and print it
  1  poll calibrated sensor values every --interval milliseconds
  2  stream raw ADC frames with device timestamps
  3  like 2, at the fast baud rate

Rows are written as CSV to --out or stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogger(cmd, opts)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", config.DefaultFile, "Configuration file path")
	pf.StringVarP(&opts.port, "port", "p", "", "Serial port, e.g. /dev/ttyUSB0 or COM3")
	pf.BoolVar(&opts.emulate, "emulate", false, "Use an emulated device instead of a serial port")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug messages")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "Log errors only")

	f := cmd.Flags()
	f.IntVarP(&opts.speed, "speed", "s", 1, "Polling speed level (0-3)")
	f.IntVarP(&opts.intervalMs, "interval", "t", 1000, "Polling interval in milliseconds for speed 1")
	f.StringVarP(&opts.out, "out", "o", "", "Output CSV file (empty for stdout)")
	f.DurationVar(&opts.deadline, "deadline", 0, "Stop after this long (0 runs until interrupted)")
	f.IntVar(&opts.average, "average", 0, "Average this many readings per row")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&opts.natsURL, "nats-url", "", "Also publish rows to this NATS server")
	f.StringVar(&opts.natsSubject, "nats-subject", "", "NATS subject for published rows")

	cmd.AddCommand(newPortsCmd(), newInfoCmd(opts), newResetCmd(opts))
	return cmd
}

// loadConfig reads the configuration file, applies the flags that were set
// and validates the result. No device I/O happens here.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pmd.ErrConfiguration, err)
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Serial.Port = opts.port
	}
	if changed("speed") {
		cfg.Acquisition.Speed = opts.speed
	}
	if changed("interval") {
		cfg.Acquisition.Interval = time.Duration(opts.intervalMs) * time.Millisecond
	}
	if changed("out") {
		cfg.Output.File = opts.out
	}
	if changed("deadline") {
		cfg.Acquisition.Deadline = opts.deadline
	}
	if changed("average") {
		cfg.Acquisition.Average = opts.average
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if changed("nats-url") {
		cfg.Output.NATS.URL = opts.natsURL
	}
	if changed("nats-subject") {
		cfg.Output.NATS.Subject = opts.natsSubject
	}

	setupLogging(cfg.Log.Level, opts.verbose, opts.quiet)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
