package stats

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/itohio/gopmd/pkg/pmd"
	"github.com/itohio/gopmd/pkg/sample"
	"github.com/itohio/gopmd/pkg/sink"
)

// DefaultWindow is the summary period in sample time.
const DefaultWindow = time.Second

// Range is the min/avg/max of one quantity over a window.
type Range struct {
	Min float64
	Avg float64
	Max float64
}

// Summary describes the readings of one window.
type Summary struct {
	Start int64 // timestamp of the first reading, microseconds
	End   int64 // timestamp of the reading that closed the window
	Count int
	Rate  float64 // readings per second
	Power [pmd.NumRails]Range
	Total Range
}

// Meter groups readings into fixed windows of sample time and summarizes
// each window. Windows follow the readings' own timestamps, so host and
// device clocks both work as long as one run uses one clock.
type Meter struct {
	window int64 // microseconds

	mu       sync.RWMutex
	start    int64
	readings []sample.Reading
	last     Summary
	done     int

	callbacks []func(Summary)
	cbMu      sync.RWMutex

	log zerolog.Logger
}

var _ sink.Sink = (*Meter)(nil)

// New creates a meter. A non-positive window uses DefaultWindow.
func New(window time.Duration) *Meter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Meter{
		window:   window.Microseconds(),
		readings: make([]sample.Reading, 0),
		log:      log.With().Str("component", "stats").Logger(),
	}
}

// WriteRow adds a reading and closes the window when it spans the
// configured period. A timestamp earlier than the previous reading's (the
// 32-bit device counter wrapped) closes the open window at the previous
// reading and starts a new one.
func (m *Meter) WriteRow(r sample.Reading) error {
	m.mu.Lock()
	ts := r.Micros()

	var closed []Summary
	if n := len(m.readings); n > 0 {
		if prev := m.readings[n-1].Micros(); ts < prev {
			closed = append(closed, m.closeWindow(prev))
		}
	}
	if len(m.readings) == 0 {
		m.start = ts
	}
	m.readings = append(m.readings, r)

	if ts-m.start >= m.window {
		closed = append(closed, m.closeWindow(ts))
	}
	m.mu.Unlock()

	for _, s := range closed {
		m.report(s)
	}
	return nil
}

// closeWindow summarizes the open window ending at end. Callers hold mu.
func (m *Meter) closeWindow(end int64) Summary {
	s := summarize(m.readings, m.start, end)
	m.last = s
	m.done++
	m.readings = m.readings[:0]
	return s
}

// Flush is a no-op; summaries are emitted when a window closes.
func (m *Meter) Flush() error { return nil }

// Close summarizes a final partial window, if any.
func (m *Meter) Close() error {
	m.mu.Lock()
	if len(m.readings) == 0 {
		m.mu.Unlock()
		return nil
	}
	s := m.closeWindow(m.readings[len(m.readings)-1].Micros())
	m.mu.Unlock()

	m.report(s)
	return nil
}

// Last returns the most recent summary and the number of windows closed.
func (m *Meter) Last() (Summary, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.done
}

// Pending returns how many readings are in the open window.
func (m *Meter) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings)
}

// OnUpdate registers a callback invoked with every closed window. Callbacks
// run on the writer's goroutine and should return quickly.
func (m *Meter) OnUpdate(callback func(Summary)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *Meter) report(s Summary) {
	m.log.Info().
		Int("samples", s.Count).
		Float64("rate", s.Rate).
		Float64("power_min", s.Total.Min).
		Float64("power_avg", s.Total.Avg).
		Float64("power_max", s.Total.Max).
		Msg("window")

	m.cbMu.RLock()
	callbacks := make([]func(Summary), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(s)
		}
	}
}

func summarize(readings []sample.Reading, start, end int64) Summary {
	s := Summary{Start: start, End: end, Count: len(readings)}
	if len(readings) == 0 {
		return s
	}
	if span := end - start; span > 0 {
		s.Rate = float64(len(readings)) / (float64(span) / 1e6)
	}

	var rails [pmd.NumRails]acc
	var total acc
	for _, r := range readings {
		for i := range rails {
			rails[i].add(r.Values.Power(i))
		}
		total.add(r.Values.TotalPower())
	}
	for i := range rails {
		s.Power[i] = rails[i].rng()
	}
	s.Total = total.rng()
	return s
}

type acc struct {
	n        int
	min, max float64
	sum      float64
}

func (a *acc) add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.n++
}

func (a *acc) rng() Range {
	if a.n == 0 {
		return Range{}
	}
	return Range{Min: a.min, Avg: a.sum / float64(a.n), Max: a.max}
}
