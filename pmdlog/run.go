package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/itohio/gopmd/pkg/acquire"
	"github.com/itohio/gopmd/pkg/config"
	"github.com/itohio/gopmd/pkg/metrics"
	"github.com/itohio/gopmd/pkg/pipeline"
	"github.com/itohio/gopmd/pkg/sample"
	"github.com/itohio/gopmd/pkg/sink"
	"github.com/itohio/gopmd/pkg/stats"
)

func runLogger(cmd *cobra.Command, opts *options) (err error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	speed := acquire.Speed(cfg.Acquisition.Speed)

	runID := uuid.New().String()
	log.Logger = log.With().Str("run_id", runID).Logger()
	log.Info().Stringer("speed", speed).Msg("starting")

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New(runID)
		srv := metrics.NewServer(m)
		srv.Start(cfg.Metrics.Addr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("metrics server shutdown failed")
			}
		}()
	}

	s, err := connect(cfg, opts.emulate, m)
	if err != nil {
		return err
	}
	defer closeSession(s, &err)

	if speed == acquire.SpeedOnce {
		rails, err := acquire.Once(s)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderRails(rails))
		return nil
	}

	out, closeSinks, err := openSinks(cmd, cfg, runID)
	if err != nil {
		return err
	}

	loop, err := acquire.New(s, speed, cfg.Acquisition.Interval)
	if err != nil {
		closeSinks()
		return err
	}

	flag := pipeline.NewFlag()
	cancel := pipeline.OnInterrupt(func(sig os.Signal) {
		log.Info().Stringer("signal", sig).Msg("interrupted, stopping")
		flag.Stop()
	})
	defer cancel()

	popts := []pipeline.Option{
		pipeline.WithDeadline(cfg.Acquisition.Deadline),
		pipeline.WithQueueSize(cfg.Acquisition.QueueSize),
	}
	if cfg.Acquisition.Average > 1 {
		popts = append(popts, pipeline.WithStage(sample.NewAveragingStage(cfg.Acquisition.Average, cfg.Acquisition.QueueSize)))
	}
	if m != nil {
		popts = append(popts, pipeline.WithObserver(m))
	}

	runErr := pipeline.New(loop, out, flag, popts...).Run()
	return errors.Join(runErr, closeSinks())
}

// closeSession closes c and joins a close failure into *err.
func closeSession(c io.Closer, err *error) {
	if cerr := c.Close(); cerr != nil {
		*err = errors.Join(*err, fmt.Errorf("close session: %w", cerr))
	}
}

// openSinks builds the CSV sink plus the optional NATS and statistics sinks.
// The returned function flushes and closes all of them.
func openSinks(cmd *cobra.Command, cfg *config.Config, runID string) (sink.Sink, func() error, error) {
	var (
		csvSink *sink.CSV
		err     error
	)
	if cfg.Output.File == "" || cfg.Output.File == "-" {
		csvSink, err = sink.NewCSV(cmd.OutOrStdout())
	} else {
		csvSink, err = sink.OpenCSV(cfg.Output.File)
	}
	if err != nil {
		return nil, nil, err
	}
	sinks := sink.Multi{csvSink}

	var closers []func() error
	if cfg.Output.NATS.URL != "" {
		nc, err := sink.ConnectNATS(cfg.Output.NATS.URL, "pmdlog")
		if err != nil {
			csvSink.Close()
			return nil, nil, err
		}
		log.Info().Str("url", nc.ConnectedUrl()).Str("subject", cfg.Output.NATS.Subject).Msg("publishing to nats")
		sinks = append(sinks, sink.NewNATS(nc, cfg.Output.NATS.Subject, runID))
		closers = append(closers, func() error {
			nc.Close()
			return nil
		})
	}
	if cfg.Stats.Enabled {
		sinks = append(sinks, stats.New(cfg.Stats.Window))
	}

	closeAll := func() error {
		err := sinks.Close()
		for _, c := range closers {
			err = errors.Join(err, c())
		}
		return err
	}
	return sinks, closeAll, nil
}
