package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/gopmd/pkg/acquire"
	"github.com/itohio/gopmd/pkg/sample"
	"github.com/itohio/gopmd/pkg/sink"
)

// DefaultQueueSize is the capacity of the producer to consumer queue.
const DefaultQueueSize = 1024

// Producer generates readings. Produce must return when run stops and must
// not close out.
type Producer interface {
	Prepare() error
	Produce(run acquire.RunState, out chan<- sample.Reading) error
	Teardown() error
}

var _ Producer = (*acquire.Loop)(nil)

// Observer is notified about consumer activity.
type Observer interface {
	RowWritten(d time.Duration)
	SinkError()
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) RowWritten(time.Duration) {}
func (nopObserver) SinkError()               {}
func (nopObserver) QueueDepth(int)           {}

// Pipeline moves readings from a producer to a sink on a separate goroutine.
type Pipeline struct {
	producer Producer
	sink     sink.Sink
	flag     *Flag

	deadline  time.Duration
	queueSize int
	stage     sample.Stage
	observer  Observer
	log       zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDeadline stops the run after d. Zero disables the deadline.
func WithDeadline(d time.Duration) Option {
	return func(p *Pipeline) { p.deadline = d }
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithStage inserts a transform between the queue and the sink.
func WithStage(s sample.Stage) Option {
	return func(p *Pipeline) { p.stage = s }
}

// WithObserver reports consumer activity to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a pipeline. The caller owns flag and may stop it from
// anywhere, such as a signal handler.
func New(producer Producer, s sink.Sink, flag *Flag, opts ...Option) *Pipeline {
	p := &Pipeline{
		producer:  producer,
		sink:      s,
		flag:      flag,
		queueSize: DefaultQueueSize,
		observer:  nopObserver{},
		log:       log.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run prepares the producer, runs it until the flag stops or an error
// occurs, then shuts down in order: the producer exits and the queue is
// closed, the deadline timer is joined, the consumer drains the queue and is
// joined, and finally the producer is torn down. Closing the transport is
// left to the caller.
func (p *Pipeline) Run() error {
	if err := p.producer.Prepare(); err != nil {
		if tdErr := p.producer.Teardown(); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
		return err
	}

	queue := make(chan sample.Reading, p.queueSize)
	var stream <-chan sample.Reading = queue
	if p.stage != nil {
		stream = p.stage(queue)
	}

	var g errgroup.Group
	g.Go(func() error {
		return p.consume(queue, stream)
	})

	joinDeadline := StartDeadline(p.flag, p.deadline, func() {
		p.log.Info().Dur("deadline", p.deadline).Msg("deadline reached")
	})

	start := time.Now()
	p.log.Info().Msg("acquisition started")

	produceErr := p.producer.Produce(p.flag, queue)
	if produceErr != nil {
		produceErr = fmt.Errorf("acquisition: %w", produceErr)
	}
	close(queue)

	joinDeadline()
	consumeErr := g.Wait()
	teardownErr := p.producer.Teardown()

	p.log.Info().Dur("elapsed", time.Since(start)).Msg("acquisition finished")
	return errors.Join(produceErr, consumeErr, teardownErr)
}

// consume writes every reading until stream closes. After a sink failure it
// stops the run and keeps draining so the producer never blocks on a full
// queue.
func (p *Pipeline) consume(queue chan sample.Reading, stream <-chan sample.Reading) error {
	var (
		rows     uint64
		firstErr error
	)
	for r := range stream {
		p.observer.QueueDepth(len(queue))
		if firstErr != nil {
			continue
		}

		start := time.Now()
		err := p.sink.WriteRow(r)
		if err == nil {
			err = p.sink.Flush()
		}
		if err != nil {
			p.observer.SinkError()
			p.log.Error().Err(err).Msg("sink failed, stopping")
			firstErr = fmt.Errorf("sink: %w", err)
			p.flag.Stop()
			continue
		}
		p.observer.RowWritten(time.Since(start))
		rows++
	}
	p.log.Debug().Uint64("rows", rows).Msg("consumer drained")
	return firstErr
}
