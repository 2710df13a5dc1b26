package pmd

import (
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// EmulatedRail holds the codes the emulator reports for one rail.
type EmulatedRail struct {
	Name       string `yaml:"name"`
	Voltage    uint16 `yaml:"voltage"` // sensor code, 10 mV per LSB
	Current    uint16 `yaml:"current"` // sensor code, 100 mA per LSB
	Power      uint16 `yaml:"power"`   // sensor code, 1 W per LSB
	AdcVoltage int16  `yaml:"adc_voltage"`
	AdcCurrent int16  `yaml:"adc_current"`
}

// EmulatorConfig describes the simulated device.
type EmulatorConfig struct {
	Vendor      uint8          `yaml:"vendor"`
	Product     uint8          `yaml:"product"`
	Firmware    uint8          `yaml:"firmware"`
	Welcome     string         `yaml:"welcome"`
	Rails       []EmulatedRail `yaml:"rails"`
	Calibration []int8         `yaml:"calibration"`
	GainOffset  []int8         `yaml:"gain_offset"`
	TickStep    uint32         `yaml:"tick_step"`    // device ticks between streamed frames
	StaleStream bool           `yaml:"stale_stream"` // start with continuous TX left on
}

// DefaultEmulatorConfig returns a PMD-USB on firmware 6 with a loaded GPU and
// CPU.
func DefaultEmulatorConfig() EmulatorConfig {
	return EmulatorConfig{
		Vendor:   VendorID,
		Product:  ProductID,
		Firmware: 6,
		Welcome:  Welcome,
		Rails: []EmulatedRail{
			{Name: "PCIE1", Voltage: 1200, Current: 85, Power: 102, AdcVoltage: 1586, AdcCurrent: 174},
			{Name: "PCIE2", Voltage: 1198, Current: 80, Power: 95, AdcVoltage: 1583, AdcCurrent: 164},
			{Name: "EPS1", Voltage: 1204, Current: 52, Power: 62, AdcVoltage: 1591, AdcCurrent: 107},
			{Name: "EPS2", Voltage: 1203, Current: 21, Power: 25, AdcVoltage: 1590, AdcCurrent: 43},
		},
		Calibration: []int8{1, -2, 0, 3, -1, 0, 2, -3},
		GainOffset:  []int8{0, 0, 0, 0, 0, 0, 0, 0},
		TickStep:    3000, // 1 kHz frame rate on a 3 MHz clock
	}
}

// Emulator simulates a PMD-USB behind a serial port. It parses commands as
// they are written and queues the replies for Read.
type Emulator struct {
	cfg EmulatorConfig

	mu      sync.Mutex
	closed  bool
	rx      []byte
	pending []byte

	hostBaud    int
	deviceBaud  int
	readTimeout time.Duration

	streaming bool
	tsSize    TimestampSize
	ticks     uint32

	config   ConfigSnapshot
	commands []byte
	replies  map[byte]int
	limits   map[byte]int
}

// NewEmulator creates a simulated device. A nil cfg uses DefaultEmulatorConfig.
func NewEmulator(cfg *EmulatorConfig) *Emulator {
	if cfg == nil {
		def := DefaultEmulatorConfig()
		cfg = &def
	}

	e := &Emulator{
		cfg:        *cfg,
		hostBaud:   DefaultBaudRate,
		deviceBaud: DefaultBaudRate,
		replies:    make(map[byte]int),
		limits:     make(map[byte]int),
	}
	if e.cfg.Welcome == "" {
		e.cfg.Welcome = Welcome
	}

	e.config = ConfigSnapshot{
		Layout:    LayoutForFirmware(cfg.Firmware),
		Version:   cfg.Firmware,
		Crc:       0xBEEF,
		OledSpeed: 1,
		Averaging: 1,
	}
	copy(e.config.AdcOffset[:], cfg.Calibration)
	if e.config.Layout == ConfigGain {
		e.config.AdcGainOffset = make([]int8, NumChannels)
		copy(e.config.AdcGainOffset, cfg.GainOffset)
	}

	if cfg.StaleStream {
		e.streaming = true
		e.tsSize = TimestampFull
		// Half a frame left over from the previous host session.
		e.rx = append(e.rx, 0xAA, 0x55, 0xAA, 0x55, 0x01, 0x02, 0x03)
	}
	return e
}

// LimitReplies makes the emulator answer only the first n requests with
// opcode op; later requests get no reply and the host read times out.
func (e *Emulator) LimitReplies(op byte, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[op] = n
}

// Commands returns the opcodes received so far, in order.
func (e *Emulator) Commands() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.commands))
	copy(out, e.commands)
	return out
}

// Streaming reports whether continuous TX is enabled.
func (e *Emulator) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// DeviceBaudRate returns the baud rate the simulated device is using.
func (e *Emulator) DeviceBaudRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceBaud
}

// Write implements Port.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, errors.New("emulator: port closed")
	}
	// Mismatched line speeds garble everything the device receives.
	if e.hostBaud != e.deviceBaud {
		return len(p), nil
	}

	e.pending = append(e.pending, p...)
	for len(e.pending) > 0 {
		op := e.pending[0]
		need := e.payloadLen(op)
		if len(e.pending) < 1+need {
			break
		}
		payload := e.pending[1 : 1+need]
		e.handle(op, payload)
		e.pending = e.pending[1+need:]
	}
	return len(p), nil
}

// Read implements Port. An empty receive queue behaves like a read timeout.
func (e *Emulator) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, errors.New("emulator: port closed")
	}
	if e.hostBaud != e.deviceBaud {
		return 0, nil
	}
	if len(e.rx) == 0 && e.streaming {
		e.rx = append(e.rx, e.nextStreamFrame()...)
	}
	if len(e.rx) == 0 {
		return 0, nil
	}
	n := copy(p, e.rx)
	e.rx = e.rx[n:]
	return n, nil
}

// SetMode implements Port.
func (e *Emulator) SetMode(mode *serial.Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostBaud = mode.BaudRate
	return nil
}

// SetReadTimeout implements Port.
func (e *Emulator) SetReadTimeout(t time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readTimeout = t
	return nil
}

// Drain implements Port.
func (e *Emulator) Drain() error { return nil }

// ResetInputBuffer implements Port.
func (e *Emulator) ResetInputBuffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rx = nil
	return nil
}

// ResetOutputBuffer implements Port.
func (e *Emulator) ResetOutputBuffer() error { return nil }

// Close implements Port.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Emulator) payloadLen(op byte) int {
	switch op {
	case CmdWriteContTx:
		return ContTxSize
	case CmdWriteConfigUart:
		return UartConfigSize
	case CmdWriteConfig:
		return e.config.Layout.Size()
	}
	return 0
}

func (e *Emulator) handle(op byte, payload []byte) {
	e.commands = append(e.commands, op)

	switch op {
	case CmdWelcome:
		e.reply(op, []byte(e.cfg.Welcome))
	case CmdReadID:
		e.reply(op, Identity{Vendor: e.cfg.Vendor, Product: e.cfg.Product, Firmware: e.cfg.Firmware}.Encode())
	case CmdReadSensors:
		e.reply(op, e.snapshot().Encode())
	case CmdReadValues:
		e.reply(op, e.sensorFrame().Encode())
	case CmdReadConfig:
		e.reply(op, e.config.Encode())
	case CmdWriteConfig:
		if cfg, err := DecodeConfig(payload, e.config.Layout); err == nil {
			e.config = cfg
		}
	case CmdReadAdcBuffer:
		e.reply(op, e.adcFrame().Encode())
	case CmdWriteContTx:
		cfg, err := DecodeContTx(payload)
		if err != nil || !cfg.TimestampSize.Valid() {
			return
		}
		if cfg.Enable {
			e.streaming = true
			e.tsSize = cfg.TimestampSize
			e.ticks = 0
			return
		}
		if e.streaming {
			// A frame already on the wire when the device stops.
			e.rx = append(e.rx, e.nextStreamFrame()...)
		}
		e.streaming = false
	case CmdWriteConfigUart:
		if u, err := DecodeUartConfig(payload); err == nil && ValidBaudRate(int(u.BaudRate)) {
			e.deviceBaud = int(u.BaudRate)
		}
	case CmdResetDevice:
		e.streaming = false
		e.deviceBaud = DefaultBaudRate
		e.rx = nil
	}
}

func (e *Emulator) reply(op byte, data []byte) {
	if limit, ok := e.limits[op]; ok && e.replies[op] >= limit {
		return
	}
	e.replies[op]++
	e.rx = append(e.rx, data...)
}

func (e *Emulator) rail(i int) EmulatedRail {
	if i < len(e.cfg.Rails) {
		return e.cfg.Rails[i]
	}
	return EmulatedRail{}
}

func (e *Emulator) snapshot() SensorSnapshot {
	var s SensorSnapshot
	for i := range s.Sensors {
		r := e.rail(i)
		s.Sensors[i] = NewSensorReading(r.Name, r.Voltage, r.Current, r.Power)
	}
	return s
}

func (e *Emulator) sensorFrame() SensorFrame {
	var f SensorFrame
	for i := 0; i < NumRails; i++ {
		r := e.rail(i)
		f[2*i] = r.Voltage
		f[2*i+1] = r.Current
	}
	return f
}

func (e *Emulator) adcFrame() AdcFrame {
	var f AdcFrame
	for i := 0; i < NumRails; i++ {
		r := e.rail(i)
		f[2*i] = EmbedAdcCode(r.AdcVoltage)
		f[2*i+1] = EmbedAdcCode(r.AdcCurrent)
	}
	return f
}

func (e *Emulator) nextStreamFrame() []byte {
	f := StreamFrame{Ticks: e.ticks, HasTimestamp: e.tsSize != TimestampNone, Adc: e.adcFrame()}
	e.ticks += e.cfg.TickStep
	return EncodeStreamFrame(f, e.tsSize)
}
