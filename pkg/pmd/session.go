package pmd

import (
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultStreamSettle is the time the device needs after a continuous-TX
	// config write before its output is well formed.
	DefaultStreamSettle = 100 * time.Millisecond
	// DefaultUartSettle is the time the device needs to switch baud rate.
	DefaultUartSettle = time.Second
)

// State is the position of a Session in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateIdentified
	StateConfigLoaded
	StateReady
	StatePolling
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIdentified:
		return "identified"
	case StateConfigLoaded:
		return "config-loaded"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures a Session.
type Option func(*Session)

// WithReadTimeout sets the bound on each transport read.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) { s.readTimeout = d }
}

// WithStreamSettle sets the wait after continuous-TX config writes.
func WithStreamSettle(d time.Duration) Option {
	return func(s *Session) { s.streamSettle = d }
}

// WithUartSettle sets the wait between telling the device to change baud
// rate and changing the host side.
func WithUartSettle(d time.Duration) Option {
	return func(s *Session) { s.uartSettle = d }
}

// WithFastBaudRate sets the rate used by BumpBaudRate.
func WithFastBaudRate(baud int) Option {
	return func(s *Session) { s.fastBaud = baud }
}

// WithSleep replaces time.Sleep for settle waits.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Session) { s.sleep = sleep }
}

// Session owns the transport and implements the request/response protocol.
// A Session is not safe for concurrent use; it belongs to the producer.
type Session struct {
	port  Port
	state State
	log   zerolog.Logger

	baud         int
	fastBaud     int
	readTimeout  time.Duration
	streamSettle time.Duration
	uartSettle   time.Duration
	sleep        func(time.Duration)

	identity Identity
	config   ConfigSnapshot
	sensors  SensorSnapshot
	tsSize   TimestampSize

	buf []byte
}

// Open binds the port at the default baud rate with 8-N-1 framing and a
// bounded read timeout.
func Open(port Port, opts ...Option) (*Session, error) {
	s := &Session{
		port:         port,
		state:        StateUninitialized,
		log:          log.With().Str("component", "pmd").Logger(),
		baud:         DefaultBaudRate,
		fastBaud:     FastBaudRate,
		readTimeout:  DefaultReadTimeout,
		streamSettle: DefaultStreamSettle,
		uartSettle:   DefaultUartSettle,
		sleep:        time.Sleep,
		buf:          make([]byte, ConfigGainSize+SnapshotSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	if !ValidBaudRate(s.fastBaud) {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrConfiguration, s.fastBaud)
	}
	if err := port.SetMode(Mode(s.baud)); err != nil {
		return nil, transportErr("set mode", err)
	}
	if err := port.SetReadTimeout(s.readTimeout); err != nil {
		return nil, transportErr("set read timeout", err)
	}
	return s, nil
}

// Initialize stops any stale continuous TX, identifies the device, loads its
// config and sensor block and validates the welcome reply. Any failure leaves
// the session unusable.
func (s *Session) Initialize() error {
	if err := s.require("initialize", StateUninitialized); err != nil {
		return err
	}

	// The device keeps streaming across host restarts.
	if err := s.send(CmdWriteContTx, ContTxConfig{Enable: false, ChannelMask: MaskNone}.Encode()); err != nil {
		return err
	}
	s.sleep(s.streamSettle)
	if err := s.clear(); err != nil {
		return err
	}

	buf, err := s.request(CmdReadID, nil, IdentitySize)
	if err != nil {
		return err
	}
	id, err := DecodeIdentity(buf)
	if err != nil {
		return err
	}
	if !id.Matches() {
		return fmt.Errorf("%w: unexpected device %s", ErrProtocolMismatch, id)
	}
	s.identity = id
	s.setState(StateIdentified)

	layout := LayoutForFirmware(id.Firmware)
	buf, err = s.request(CmdReadConfig, nil, layout.Size())
	if err != nil {
		return err
	}
	cfg, err := DecodeConfig(buf, layout)
	if err != nil {
		return err
	}
	s.config = cfg
	s.setState(StateConfigLoaded)

	if _, err := s.readSensors(); err != nil {
		return err
	}

	buf, err = s.request(CmdWelcome, nil, len(Welcome))
	if err != nil {
		return err
	}
	if string(buf) != Welcome {
		return fmt.Errorf("%w: unexpected welcome %q", ErrProtocolMismatch, buf)
	}

	s.log.Info().
		Str("device", id.String()).
		Str("config_layout", layout.String()).
		Ints8("calibration", s.config.AdcOffset[:]).
		Msg("device initialized")
	s.setState(StateReady)
	return nil
}

// ReadSensors reads the onboard sensor block.
func (s *Session) ReadSensors() (SensorSnapshot, error) {
	if err := s.require("read sensors", StateReady, StatePolling); err != nil {
		return SensorSnapshot{}, err
	}
	return s.readSensors()
}

func (s *Session) readSensors() (SensorSnapshot, error) {
	buf, err := s.request(CmdReadSensors, nil, SnapshotSize)
	if err != nil {
		return SensorSnapshot{}, err
	}
	snap, err := DecodeSensorSnapshot(buf)
	if err != nil {
		return SensorSnapshot{}, err
	}
	s.sensors = snap
	return snap, nil
}

// ReadSensorFrame polls one frame of pre-scaled sensor values.
func (s *Session) ReadSensorFrame() (SensorFrame, error) {
	if err := s.require("read sensor frame", StateReady, StatePolling); err != nil {
		return SensorFrame{}, err
	}
	buf, err := s.request(CmdReadValues, nil, FrameSize)
	if err != nil {
		return SensorFrame{}, err
	}
	s.setState(StatePolling)
	return DecodeSensorFrame(buf)
}

// ReadAdcFrame polls one frame of raw ADC codes.
func (s *Session) ReadAdcFrame() (AdcFrame, error) {
	if err := s.require("read adc frame", StateReady, StatePolling); err != nil {
		return AdcFrame{}, err
	}
	buf, err := s.request(CmdReadAdcBuffer, nil, FrameSize)
	if err != nil {
		return AdcFrame{}, err
	}
	s.setState(StatePolling)
	return DecodeAdcFrame(buf)
}

// EnableStreaming turns on continuous TX of all channels and waits for the
// device to settle.
func (s *Session) EnableStreaming(ts TimestampSize) error {
	if err := s.require("enable streaming", StateReady, StatePolling); err != nil {
		return err
	}
	if !ts.Valid() {
		return fmt.Errorf("%w: timestamp size %d", ErrConfiguration, ts)
	}
	cfg := ContTxConfig{Enable: true, TimestampSize: ts, ChannelMask: MaskAll}
	if err := s.send(CmdWriteContTx, cfg.Encode()); err != nil {
		return err
	}
	s.sleep(s.streamSettle)
	s.tsSize = ts
	s.setState(StateStreaming)
	return nil
}

// DisableStreaming turns off continuous TX and discards frames in flight.
func (s *Session) DisableStreaming() error {
	if err := s.require("disable streaming", StateStreaming); err != nil {
		return err
	}
	if err := s.send(CmdWriteContTx, ContTxConfig{Enable: false, ChannelMask: MaskNone}.Encode()); err != nil {
		return err
	}
	s.sleep(s.streamSettle)
	if err := s.clear(); err != nil {
		return err
	}
	s.setState(StateReady)
	return nil
}

// ReadStreamFrame reads the next frame pushed by the device.
func (s *Session) ReadStreamFrame() (StreamFrame, error) {
	if err := s.require("read stream frame", StateStreaming); err != nil {
		return StreamFrame{}, err
	}
	buf, err := s.readExact(StreamFrameSize(s.tsSize))
	if err != nil {
		return StreamFrame{}, err
	}
	return DecodeStreamFrame(buf, s.tsSize)
}

// BumpBaudRate switches device and host to the fast baud rate. It must be
// paired with RestoreBaudRate before the session ends.
func (s *Session) BumpBaudRate() error {
	if err := s.require("bump baud rate", StateReady); err != nil {
		return err
	}
	return s.changeBaud(s.fastBaud)
}

// RestoreBaudRate switches device and host back to the default baud rate.
func (s *Session) RestoreBaudRate() error {
	if err := s.require("restore baud rate", StateReady); err != nil {
		return err
	}
	if s.baud == DefaultBaudRate {
		return nil
	}
	return s.changeBaud(DefaultBaudRate)
}

func (s *Session) changeBaud(baud int) error {
	if err := s.send(CmdWriteConfigUart, NewUartConfig(baud).Encode()); err != nil {
		return err
	}
	s.sleep(s.uartSettle)
	if err := s.port.SetMode(Mode(baud)); err != nil {
		return transportErr("set mode", err)
	}
	if err := s.clear(); err != nil {
		return err
	}
	s.log.Debug().Int("from", s.baud).Int("to", baud).Msg("baud rate changed")
	s.baud = baud
	return nil
}

// Reset asks the device to reboot and closes the session.
func (s *Session) Reset() error {
	if err := s.require("reset", StateUninitialized, StateReady, StatePolling); err != nil {
		return err
	}
	if err := s.send(CmdResetDevice, nil); err != nil {
		return err
	}
	return s.Close()
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.baud != DefaultBaudRate {
		s.log.Warn().Int("baud", s.baud).Msg("closing with device at non-default baud rate")
	}
	s.setState(StateClosed)
	if err := s.port.Close(); err != nil {
		return transportErr("close", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Identity returns the identity read during Initialize.
func (s *Session) Identity() Identity { return s.identity }

// Config returns the config read during Initialize.
func (s *Session) Config() ConfigSnapshot { return s.config }

// Sensors returns the most recent sensor block.
func (s *Session) Sensors() SensorSnapshot { return s.sensors }

// Calibration returns the per-channel ADC offsets.
func (s *Session) Calibration() Calibration { return s.config.AdcOffset }

// BaudRate returns the current host-side baud rate.
func (s *Session) BaudRate() int { return s.baud }

func (s *Session) require(op string, allowed ...State) error {
	if s.state == StateClosed {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	if !slices.Contains(allowed, s.state) {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, s.state)
	}
	return nil
}

func (s *Session) setState(st State) {
	if st != s.state {
		s.log.Debug().Stringer("from", s.state).Stringer("to", st).Msg("session state")
	}
	s.state = st
}

func (s *Session) request(op byte, payload []byte, n int) ([]byte, error) {
	if err := s.send(op, payload); err != nil {
		return nil, err
	}
	return s.readExact(n)
}

func (s *Session) send(op byte, payload []byte) error {
	msg := append([]byte{op}, payload...)
	if _, err := s.port.Write(msg); err != nil {
		return transportErr(fmt.Sprintf("write opcode 0x%02X", op), err)
	}
	if err := s.port.Drain(); err != nil {
		return transportErr(fmt.Sprintf("flush opcode 0x%02X", op), err)
	}
	return nil
}

// readExact reads exactly n bytes. The returned slice is reused by the next
// read.
func (s *Session) readExact(n int) ([]byte, error) {
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]
	got := 0
	for got < n {
		m, err := s.port.Read(buf[got:])
		if err != nil {
			return nil, transportErr(fmt.Sprintf("read %d of %d bytes", got, n), err)
		}
		if m == 0 {
			return nil, fmt.Errorf("%w: %w: read %d of %d bytes", ErrTransport, ErrTimeout, got, n)
		}
		got += m
	}
	return buf, nil
}

func (s *Session) clear() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return transportErr("reset input buffer", err)
	}
	if err := s.port.ResetOutputBuffer(); err != nil {
		return transportErr("reset output buffer", err)
	}
	return nil
}
