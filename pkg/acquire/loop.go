package acquire

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/itohio/gopmd/pkg/pmd"
	"github.com/itohio/gopmd/pkg/sample"
)

// Speed selects the acquisition strategy for a run.
type Speed int

const (
	// SpeedOnce reads the sensor block once and returns.
	SpeedOnce Speed = iota
	// SpeedSlow polls pre-scaled sensor values at a fixed interval.
	SpeedSlow
	// SpeedFast streams raw ADC frames.
	SpeedFast
	// SpeedFastest streams raw ADC frames at the bumped baud rate.
	SpeedFastest
)

func (s Speed) String() string {
	switch s {
	case SpeedOnce:
		return "once"
	case SpeedSlow:
		return "slow"
	case SpeedFast:
		return "fast"
	case SpeedFastest:
		return "fastest"
	}
	return fmt.Sprintf("speed(%d)", int(s))
}

// Streaming reports whether the strategy uses continuous TX.
func (s Speed) Streaming() bool {
	return s == SpeedFast || s == SpeedFastest
}

// ParseSpeed validates a speed level.
func ParseSpeed(level int) (Speed, error) {
	if level < int(SpeedOnce) || level > int(SpeedFastest) {
		return 0, fmt.Errorf("%w: speed level should be between 0 and 3, got %d", pmd.ErrConfiguration, level)
	}
	return Speed(level), nil
}

// Device is the part of a pmd.Session the loop drives.
type Device interface {
	ReadSensors() (pmd.SensorSnapshot, error)
	ReadSensorFrame() (pmd.SensorFrame, error)
	EnableStreaming(ts pmd.TimestampSize) error
	DisableStreaming() error
	ReadStreamFrame() (pmd.StreamFrame, error)
	BumpBaudRate() error
	RestoreBaudRate() error
	Calibration() pmd.Calibration
}

var _ Device = (*pmd.Session)(nil)

// RunState reports whether the run should continue.
type RunState interface {
	Running() bool
}

// Once reads the sensor block and converts it.
func Once(dev Device) ([]sample.Rail, error) {
	snap, err := dev.ReadSensors()
	if err != nil {
		return nil, err
	}
	return sample.ToRails(snap), nil
}

// PacingDelay returns how long to sleep so that iterations start every
// interval. It is never negative.
func PacingDelay(interval, elapsed time.Duration) time.Duration {
	return max(0, interval-elapsed)
}

// Loop drives a Device with one of the polling strategies.
type Loop struct {
	dev      Device
	speed    Speed
	interval time.Duration
	log      zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	streaming bool
	bumped    bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces time.Now and time.Sleep.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(l *Loop) {
		l.now = now
		l.sleep = sleep
	}
}

// New creates a loop for the slow or streaming strategies. The interval is
// used by SpeedSlow only.
func New(dev Device, speed Speed, interval time.Duration, opts ...Option) (*Loop, error) {
	if speed == SpeedOnce {
		return nil, fmt.Errorf("%w: speed %s has no acquisition loop", pmd.ErrConfiguration, speed)
	}
	if _, err := ParseSpeed(int(speed)); err != nil {
		return nil, err
	}
	if speed == SpeedSlow && interval <= 0 {
		return nil, fmt.Errorf("%w: polling interval must be positive, got %s", pmd.ErrConfiguration, interval)
	}

	l := &Loop{
		dev:      dev,
		speed:    speed,
		interval: interval,
		log:      log.With().Str("component", "acquire").Stringer("speed", speed).Logger(),
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Speed returns the loop's strategy.
func (l *Loop) Speed() Speed { return l.speed }

// Prepare puts the device into the state the strategy needs.
func (l *Loop) Prepare() error {
	if l.speed == SpeedFastest {
		if err := l.dev.BumpBaudRate(); err != nil {
			return fmt.Errorf("bump baud rate: %w", err)
		}
		l.bumped = true
	}
	if l.speed.Streaming() {
		if err := l.dev.EnableStreaming(pmd.TimestampFull); err != nil {
			return fmt.Errorf("enable streaming: %w", err)
		}
		l.streaming = true
	}
	l.log.Debug().Msg("acquisition prepared")
	return nil
}

// Produce reads samples and sends them to out until run reports stop or an
// error occurs. It does not close out. The run state is checked before each
// iteration; an in-flight read completes or times out on its own.
func (l *Loop) Produce(run RunState, out chan<- sample.Reading) error {
	var n uint64
	defer func() {
		l.log.Debug().Uint64("samples", n).Msg("acquisition stopped")
	}()

	for run.Running() {
		var (
			r   sample.Reading
			err error
		)
		start := l.now()
		if l.speed == SpeedSlow {
			r, err = l.poll()
		} else {
			r, err = l.stream()
		}
		if err != nil {
			return err
		}
		out <- r
		n++

		if l.speed == SpeedSlow {
			l.sleep(PacingDelay(l.interval, l.now().Sub(start)))
		}
	}
	return nil
}

func (l *Loop) poll() (sample.Reading, error) {
	f, err := l.dev.ReadSensorFrame()
	if err != nil {
		return sample.Reading{}, err
	}
	return sample.HostReading(sample.HostTimeOf(l.now()), sample.ToSensorUnits(f)), nil
}

func (l *Loop) stream() (sample.Reading, error) {
	f, err := l.dev.ReadStreamFrame()
	if err != nil {
		return sample.Reading{}, err
	}
	v := sample.ToAdcUnits(f.Adc, l.dev.Calibration())
	return sample.DeviceReading(sample.ToHostTimestamp(f.Ticks), v), nil
}

// Teardown undoes Prepare: streaming is disabled before the baud rate is
// restored. The baud rate is left bumped while the device is still
// streaming, since the session refuses UART changes in that state.
func (l *Loop) Teardown() error {
	if l.streaming {
		if err := l.dev.DisableStreaming(); err != nil {
			return fmt.Errorf("disable streaming: %w", err)
		}
		l.streaming = false
	}
	if l.bumped {
		if err := l.dev.RestoreBaudRate(); err != nil {
			return fmt.Errorf("restore baud rate: %w", err)
		}
		l.bumped = false
	}
	return nil
}
