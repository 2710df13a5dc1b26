package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gopmd/pkg/acquire"
	"github.com/itohio/gopmd/pkg/pmd"
	"github.com/itohio/gopmd/pkg/sample"
)

// recorder is a sink that keeps every row.
type recorder struct {
	mu      sync.Mutex
	rows    []sample.Reading
	flushes int
	failAt  int // fail on this row number (1-based), 0 never
}

func (r *recorder) WriteRow(rd sample.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.rows)+1 >= r.failAt {
		return errors.New("disk full")
	}
	r.rows = append(r.rows, rd)
	return nil
}

func (r *recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *recorder) Rows() []sample.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sample.Reading(nil), r.rows...)
}

// counter produces readings numbered from 0 until the run stops or limit
// readings were sent.
type counter struct {
	limit      int
	stopAfter  *Flag
	prepareErr error
	produceErr error

	calls    []string
	rowsSeen func() int
	atTear   int
}

func (c *counter) Prepare() error {
	c.calls = append(c.calls, "prepare")
	return c.prepareErr
}

func (c *counter) Produce(run acquire.RunState, out chan<- sample.Reading) error {
	c.calls = append(c.calls, "produce")
	for i := 0; run.Running(); i++ {
		if c.limit > 0 && i == c.limit {
			if c.stopAfter != nil {
				c.stopAfter.Stop()
			}
			break
		}
		out <- sample.DeviceReading(sample.DeviceTime(i), sample.Values{float64(i)})
	}
	return c.produceErr
}

func (c *counter) Teardown() error {
	c.calls = append(c.calls, "teardown")
	if c.rowsSeen != nil {
		c.atTear = c.rowsSeen()
	}
	return nil
}

type observed struct {
	mu      sync.Mutex
	written int
	errors  int
	depths  int
}

func (o *observed) RowWritten(time.Duration) { o.mu.Lock(); o.written++; o.mu.Unlock() }
func (o *observed) SinkError()               { o.mu.Lock(); o.errors++; o.mu.Unlock() }
func (o *observed) QueueDepth(int)           { o.mu.Lock(); o.depths++; o.mu.Unlock() }

func newSession(t *testing.T, cfg *pmd.EmulatorConfig) (*pmd.Session, *pmd.Emulator) {
	t.Helper()
	emu := pmd.NewEmulator(cfg)
	s, err := pmd.Open(emu, pmd.WithSleep(func(time.Duration) {}))
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	return s, emu
}

func TestRun_SlowStopsAfterThreeSamples(t *testing.T) {
	s, _ := newSession(t, nil)
	flag := NewFlag()

	now := time.UnixMicro(1_700_000_000_000_000)
	sleeps := 0
	loop, err := acquire.New(s, acquire.SpeedSlow, time.Second, acquire.WithClock(
		func() time.Time { return now },
		func(d time.Duration) {
			now = now.Add(d)
			sleeps++
			if sleeps == 3 {
				flag.Stop()
			}
		},
	))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, New(loop, rec, flag, WithQueueSize(1)).Run())

	rows := rec.Rows()
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].Host, rows[i-1].Host)
	}
	assert.Equal(t, 3, rec.flushes)
	require.NoError(t, s.Close())
}

func TestRun_TransportTimeout(t *testing.T) {
	s, emu := newSession(t, nil)
	emu.LimitReplies(pmd.CmdReadValues, 1)

	loop, err := acquire.New(s, acquire.SpeedSlow, time.Second, acquire.WithClock(time.Now, func(time.Duration) {}))
	require.NoError(t, err)

	rec := &recorder{}
	err = New(loop, rec, NewFlag()).Run()
	assert.ErrorIs(t, err, pmd.ErrTransport)
	assert.ErrorIs(t, err, pmd.ErrTimeout)
	assert.LessOrEqual(t, len(rec.Rows()), 1)
}

func TestRun_StreamingTeardown(t *testing.T) {
	cfg := pmd.DefaultEmulatorConfig()
	cfg.TickStep = 300
	s, emu := newSession(t, &cfg)
	flag := NewFlag()

	loop, err := acquire.New(s, acquire.SpeedFastest, 0)
	require.NoError(t, err)

	rec := &recorder{}
	stopper := &stopAfterRows{rec: rec, n: 5, flag: flag}
	require.NoError(t, New(loop, stopper, flag).Run())

	rows := rec.Rows()
	require.GreaterOrEqual(t, len(rows), 5)
	want := []sample.DeviceTime{0, 100, 200, 300, 400}
	for i, w := range want {
		assert.Equal(t, w, rows[i].Device)
	}
	assert.False(t, emu.Streaming())
	assert.Equal(t, pmd.DefaultBaudRate, emu.DeviceBaudRate())
	assert.Equal(t, pmd.StateReady, s.State())
}

// stopAfterRows stops the flag once n rows were written.
type stopAfterRows struct {
	rec  *recorder
	n    int
	flag *Flag
}

func (s *stopAfterRows) WriteRow(r sample.Reading) error {
	if err := s.rec.WriteRow(r); err != nil {
		return err
	}
	if len(s.rec.Rows()) >= s.n {
		s.flag.Stop()
	}
	return nil
}

func (s *stopAfterRows) Flush() error { return s.rec.Flush() }

func TestRun_DrainsQueue(t *testing.T) {
	flag := NewFlag()
	rec := &recorder{}
	prod := &counter{limit: 500, stopAfter: flag, rowsSeen: func() int { return len(rec.Rows()) }}

	require.NoError(t, New(prod, rec, flag, WithQueueSize(1)).Run())

	rows := rec.Rows()
	require.Len(t, rows, 500)
	for i, r := range rows {
		assert.Equal(t, sample.DeviceTime(i), r.Device)
	}
	assert.Equal(t, []string{"prepare", "produce", "teardown"}, prod.calls)
	// The consumer is joined before teardown.
	assert.Equal(t, 500, prod.atTear)
}

func TestRun_Deadline(t *testing.T) {
	flag := NewFlag()
	rec := &recorder{}
	prod := &counter{}

	start := time.Now()
	require.NoError(t, New(prod, rec, flag, WithDeadline(20*time.Millisecond), WithQueueSize(4)).Run())

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, flag.Running())
	assert.NotEmpty(t, rec.Rows())
}

func TestRun_SinkErrorStopsRun(t *testing.T) {
	flag := NewFlag()
	rec := &recorder{failAt: 3}
	obs := &observed{}
	prod := &counter{}

	err := New(prod, rec, flag, WithObserver(obs), WithQueueSize(2)).Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, flag.Running())
	assert.Len(t, rec.Rows(), 2)
	assert.Equal(t, 2, obs.written)
	assert.Equal(t, 1, obs.errors)
	assert.Equal(t, []string{"prepare", "produce", "teardown"}, prod.calls)
}

func TestRun_PrepareError(t *testing.T) {
	boom := errors.New("no device")
	prod := &counter{prepareErr: boom}

	err := New(prod, &recorder{}, NewFlag()).Run()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"prepare", "teardown"}, prod.calls)
}

func TestRun_ProducerErrorStillDrains(t *testing.T) {
	boom := errors.New("read failed")
	flag := NewFlag()
	rec := &recorder{}
	prod := &counter{limit: 10, produceErr: boom}

	err := New(prod, rec, flag).Run()
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Rows(), 10)
}

func TestRun_AveragingStage(t *testing.T) {
	flag := NewFlag()
	rec := &recorder{}
	prod := &counter{limit: 10, stopAfter: flag}
	obs := &observed{}

	require.NoError(t, New(prod, rec, flag, WithStage(sample.NewAveragingStage(4, 1)), WithObserver(obs)).Run())

	rows := rec.Rows()
	require.Len(t, rows, 3)
	assert.InDelta(t, 1.5, rows[0].Values[0], 1e-12)
	assert.InDelta(t, 5.5, rows[1].Values[0], 1e-12)
	assert.InDelta(t, 8.5, rows[2].Values[0], 1e-12)
	assert.Equal(t, sample.DeviceTime(9), rows[2].Device)
	assert.Equal(t, 3, obs.written)
}
