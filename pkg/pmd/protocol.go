package pmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Command opcodes. Every request starts with one of these bytes.
const (
	CmdWelcome         byte = 0x00
	CmdReadID          byte = 0x01
	CmdReadSensors     byte = 0x02
	CmdReadValues      byte = 0x03
	CmdReadConfig      byte = 0x04
	CmdWriteConfig     byte = 0x05
	CmdReadAdcBuffer   byte = 0x06
	CmdWriteContTx     byte = 0x07
	CmdWriteConfigUart byte = 0x08
	CmdResetDevice     byte = 0xF0
	CmdEnterBootloader byte = 0xF1
	CmdNop             byte = 0xFF
)

const (
	// Welcome is the exact reply to CmdWelcome.
	Welcome = "ElmorLabs PMD-USB"

	VendorID  uint8 = 0xEE
	ProductID uint8 = 0x0A

	// NumRails is the number of monitored power rails (PCIE1, PCIE2, EPS1, EPS2).
	NumRails = 4
	// NumChannels is the number of ADC channels: voltage and current per rail.
	NumChannels = 8
	// RailNameLen is the fixed width of the padded rail name.
	RailNameLen = 6

	// GainFirmware is the first firmware version whose config carries gain offsets.
	GainFirmware uint8 = 6

	MaskNone uint8 = 0x00
	MaskAll  uint8 = 0xFF
)

// Wire sizes in bytes.
const (
	IdentitySize     = 3
	SensorSize       = RailNameLen + 3*2
	SnapshotSize     = NumRails * SensorSize
	FrameSize        = NumChannels * 2
	ConfigLegacySize = 26
	ConfigGainSize   = 34
	ContTxSize       = 3
	UartConfigSize   = 16
)

// UART encodings understood by the device.
const (
	UartParityNone uint32 = 2
	UartDataWidth8 uint32 = 0
	UartStopBits1  uint32 = 0
)

// Identity is the reply to CmdReadID.
type Identity struct {
	Vendor   uint8
	Product  uint8
	Firmware uint8
}

func (id Identity) String() string {
	return fmt.Sprintf("vendor 0x%02X product 0x%02X firmware %d", id.Vendor, id.Product, id.Firmware)
}

// Matches reports whether the identity belongs to a PMD-USB.
func (id Identity) Matches() bool {
	return id.Vendor == VendorID && id.Product == ProductID
}

// DecodeIdentity decodes a 3-byte identity reply.
func DecodeIdentity(buf []byte) (Identity, error) {
	if err := checkLayout("identity", buf, IdentitySize); err != nil {
		return Identity{}, err
	}
	return Identity{Vendor: buf[0], Product: buf[1], Firmware: buf[2]}, nil
}

// Encode returns the wire form of the identity.
func (id Identity) Encode() []byte {
	return []byte{id.Vendor, id.Product, id.Firmware}
}

// SensorReading is one rail of the onboard pre-scaled sensor block.
type SensorReading struct {
	Name    [RailNameLen]byte
	Voltage uint16
	Current uint16
	Power   uint16
}

// RailName returns the rail name without padding.
func (r SensorReading) RailName() string {
	return string(bytes.TrimRight(r.Name[:], "\x00 "))
}

// SensorSnapshot is the reply to CmdReadSensors.
type SensorSnapshot struct {
	Sensors [NumRails]SensorReading
}

// DecodeSensorSnapshot decodes a 48-byte sensor block.
func DecodeSensorSnapshot(buf []byte) (SensorSnapshot, error) {
	var s SensorSnapshot
	if err := checkLayout("sensor snapshot", buf, SnapshotSize); err != nil {
		return s, err
	}
	for i := range s.Sensors {
		b := buf[i*SensorSize : (i+1)*SensorSize]
		r := &s.Sensors[i]
		copy(r.Name[:], b[:RailNameLen])
		r.Voltage = binary.LittleEndian.Uint16(b[6:8])
		r.Current = binary.LittleEndian.Uint16(b[8:10])
		r.Power = binary.LittleEndian.Uint16(b[10:12])
	}
	return s, nil
}

// Encode returns the wire form of the sensor block.
func (s SensorSnapshot) Encode() []byte {
	buf := make([]byte, SnapshotSize)
	for i, r := range s.Sensors {
		b := buf[i*SensorSize : (i+1)*SensorSize]
		copy(b[:RailNameLen], r.Name[:])
		binary.LittleEndian.PutUint16(b[6:8], r.Voltage)
		binary.LittleEndian.PutUint16(b[8:10], r.Current)
		binary.LittleEndian.PutUint16(b[10:12], r.Power)
	}
	return buf
}

// NewSensorReading builds a reading with a padded name. Names longer than
// RailNameLen are truncated.
func NewSensorReading(name string, voltage, current, power uint16) SensorReading {
	r := SensorReading{Voltage: voltage, Current: current, Power: power}
	copy(r.Name[:], name)
	return r
}

// Frame holds eight u16 codes. Even indices are voltage codes, odd indices
// are current codes, two per rail.
type Frame [NumChannels]uint16

// SensorFrame is one polled sample of pre-scaled sensor values (CmdReadValues).
type SensorFrame Frame

// AdcFrame is one sample of raw ADC codes (CmdReadAdcBuffer or streaming).
type AdcFrame Frame

func decodeFrame(name string, buf []byte) (Frame, error) {
	var f Frame
	if err := checkLayout(name, buf, FrameSize); err != nil {
		return f, err
	}
	for i := range f {
		f[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return f, nil
}

func (f Frame) encode() []byte {
	buf := make([]byte, FrameSize)
	for i, v := range f {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

// DecodeSensorFrame decodes a 16-byte sensor value array.
func DecodeSensorFrame(buf []byte) (SensorFrame, error) {
	f, err := decodeFrame("sensor frame", buf)
	return SensorFrame(f), err
}

// DecodeAdcFrame decodes a 16-byte ADC code array.
func DecodeAdcFrame(buf []byte) (AdcFrame, error) {
	f, err := decodeFrame("adc frame", buf)
	return AdcFrame(f), err
}

// Encode returns the wire form of the frame.
func (f SensorFrame) Encode() []byte { return Frame(f).encode() }

// Encode returns the wire form of the frame.
func (f AdcFrame) Encode() []byte { return Frame(f).encode() }

// AdcCode extracts the signed 12-bit reading carried in bits 4..15 of a raw
// ADC code.
func AdcCode(raw uint16) int16 {
	v := int16((raw >> 4) & 0x0FFF)
	if v&0x0800 != 0 {
		v -= 0x1000
	}
	return v
}

// EmbedAdcCode is the inverse of AdcCode for values in [-2048, 2047].
func EmbedAdcCode(v int16) uint16 {
	return (uint16(v) & 0x0FFF) << 4
}

// TimestampSize selects how many timestamp bytes precede each streamed frame.
type TimestampSize uint8

const (
	TimestampNone  TimestampSize = 0
	TimestampShort TimestampSize = 1
	TimestampHalf  TimestampSize = 2
	TimestampFull  TimestampSize = 4
)

// Valid reports whether the device accepts the selector.
func (t TimestampSize) Valid() bool {
	switch t {
	case TimestampNone, TimestampShort, TimestampHalf, TimestampFull:
		return true
	}
	return false
}

// StreamFrameSize is the number of bytes per streamed frame for a selector.
func StreamFrameSize(ts TimestampSize) int {
	return int(ts) + FrameSize
}

// StreamFrame is one continuous-TX frame. Ticks is the device clock (3 MHz)
// and is zero when no timestamp was requested.
type StreamFrame struct {
	Ticks        uint32
	HasTimestamp bool
	Adc          AdcFrame
}

// DecodeStreamFrame decodes one streamed frame for the given selector.
func DecodeStreamFrame(buf []byte, ts TimestampSize) (StreamFrame, error) {
	var f StreamFrame
	if !ts.Valid() {
		return f, fmt.Errorf("%w: timestamp size %d", ErrConfiguration, ts)
	}
	if err := checkLayout("stream frame", buf, StreamFrameSize(ts)); err != nil {
		return f, err
	}
	n := int(ts)
	for i := n - 1; i >= 0; i-- {
		f.Ticks = f.Ticks<<8 | uint32(buf[i])
	}
	f.HasTimestamp = n > 0
	adc, err := DecodeAdcFrame(buf[n:])
	if err != nil {
		return f, err
	}
	f.Adc = adc
	return f, nil
}

// EncodeStreamFrame returns the wire form of a streamed frame. Ticks are
// truncated to the selector width.
func EncodeStreamFrame(f StreamFrame, ts TimestampSize) []byte {
	n := int(ts)
	buf := make([]byte, 0, StreamFrameSize(ts))
	for i := 0; i < n; i++ {
		buf = append(buf, byte(f.Ticks>>(8*i)))
	}
	return append(buf, f.Adc.Encode()...)
}

// ConfigLayout identifies which config shape the firmware sends.
type ConfigLayout int

const (
	// ConfigLegacy is the config shape of firmware before GainFirmware.
	ConfigLegacy ConfigLayout = iota
	// ConfigGain adds per-channel gain offsets.
	ConfigGain
)

func (l ConfigLayout) String() string {
	if l == ConfigGain {
		return "gain"
	}
	return "legacy"
}

// LayoutForFirmware picks the config shape for a firmware version.
func LayoutForFirmware(fw uint8) ConfigLayout {
	if fw < GainFirmware {
		return ConfigLegacy
	}
	return ConfigGain
}

// Size is the wire size of the layout.
func (l ConfigLayout) Size() int {
	if l == ConfigGain {
		return ConfigGainSize
	}
	return ConfigLegacySize
}

// Calibration is the per-channel signed ADC offset.
type Calibration [NumChannels]int8

// ConfigSnapshot is the device-held configuration. AdcGainOffset is nil for
// the legacy layout and has NumChannels entries for the gain layout.
type ConfigSnapshot struct {
	Layout           ConfigLayout
	Version          uint8
	Crc              uint16
	AdcOffset        Calibration
	OledDisable      uint8
	TimeoutCount     uint16
	TimeoutAction    uint8
	OledSpeed        uint8
	RestartAdcFlag   uint8
	CalFlag          uint8
	UpdateConfigFlag uint8
	OledRotation     uint8
	Averaging        uint8
	AdcGainOffset    []int8
	Reserved         [3]uint8
}

// Field offsets. Bytes 1 and 13 are alignment gaps in the device struct.
const (
	cfgVersion       = 0
	cfgCrc           = 2
	cfgAdcOffset     = 4
	cfgOledDisable   = 12
	cfgTimeoutCount  = 14
	cfgTimeoutAction = 16
	cfgAveraging     = 22
	cfgTail          = 23
)

// DecodeConfig decodes a config reply of the given layout.
func DecodeConfig(buf []byte, layout ConfigLayout) (ConfigSnapshot, error) {
	c := ConfigSnapshot{Layout: layout}
	if err := checkLayout("config ("+layout.String()+")", buf, layout.Size()); err != nil {
		return c, err
	}
	c.Version = buf[cfgVersion]
	c.Crc = binary.LittleEndian.Uint16(buf[cfgCrc:])
	for i := range c.AdcOffset {
		c.AdcOffset[i] = int8(buf[cfgAdcOffset+i])
	}
	c.OledDisable = buf[cfgOledDisable]
	c.TimeoutCount = binary.LittleEndian.Uint16(buf[cfgTimeoutCount:])
	c.TimeoutAction = buf[cfgTimeoutAction]
	c.OledSpeed = buf[cfgTimeoutAction+1]
	c.RestartAdcFlag = buf[cfgTimeoutAction+2]
	c.CalFlag = buf[cfgTimeoutAction+3]
	c.UpdateConfigFlag = buf[cfgTimeoutAction+4]
	c.OledRotation = buf[cfgTimeoutAction+5]
	c.Averaging = buf[cfgAveraging]

	tail := cfgTail
	if layout == ConfigGain {
		c.AdcGainOffset = make([]int8, NumChannels)
		for i := range c.AdcGainOffset {
			c.AdcGainOffset[i] = int8(buf[tail+i])
		}
		tail += NumChannels
	}
	copy(c.Reserved[:], buf[tail:])
	return c, nil
}

// Encode returns the wire form of the config in its own layout.
func (c ConfigSnapshot) Encode() []byte {
	buf := make([]byte, c.Layout.Size())
	buf[cfgVersion] = c.Version
	binary.LittleEndian.PutUint16(buf[cfgCrc:], c.Crc)
	for i, v := range c.AdcOffset {
		buf[cfgAdcOffset+i] = byte(v)
	}
	buf[cfgOledDisable] = c.OledDisable
	binary.LittleEndian.PutUint16(buf[cfgTimeoutCount:], c.TimeoutCount)
	buf[cfgTimeoutAction] = c.TimeoutAction
	buf[cfgTimeoutAction+1] = c.OledSpeed
	buf[cfgTimeoutAction+2] = c.RestartAdcFlag
	buf[cfgTimeoutAction+3] = c.CalFlag
	buf[cfgTimeoutAction+4] = c.UpdateConfigFlag
	buf[cfgTimeoutAction+5] = c.OledRotation
	buf[cfgAveraging] = c.Averaging

	tail := cfgTail
	if c.Layout == ConfigGain {
		for i := 0; i < NumChannels && i < len(c.AdcGainOffset); i++ {
			buf[tail+i] = byte(c.AdcGainOffset[i])
		}
		tail += NumChannels
	}
	copy(buf[tail:], c.Reserved[:])
	return buf
}

// ContTxConfig is the payload of CmdWriteContTx.
type ContTxConfig struct {
	Enable        bool
	TimestampSize TimestampSize
	ChannelMask   uint8
}

// Encode returns the 3-byte payload.
func (c ContTxConfig) Encode() []byte {
	var enable byte
	if c.Enable {
		enable = 1
	}
	return []byte{enable, byte(c.TimestampSize), c.ChannelMask}
}

// DecodeContTx decodes a continuous-TX payload.
func DecodeContTx(buf []byte) (ContTxConfig, error) {
	if err := checkLayout("cont tx config", buf, ContTxSize); err != nil {
		return ContTxConfig{}, err
	}
	return ContTxConfig{
		Enable:        buf[0] != 0,
		TimestampSize: TimestampSize(buf[1]),
		ChannelMask:   buf[2],
	}, nil
}

// UartConfig is the payload of CmdWriteConfigUart.
type UartConfig struct {
	BaudRate  uint32
	Parity    uint32
	DataWidth uint32
	StopBits  uint32
}

// NewUartConfig returns an 8-N-1 config for the baud rate.
func NewUartConfig(baud int) UartConfig {
	return UartConfig{
		BaudRate:  uint32(baud),
		Parity:    UartParityNone,
		DataWidth: UartDataWidth8,
		StopBits:  UartStopBits1,
	}
}

// Encode returns the 16-byte payload.
func (u UartConfig) Encode() []byte {
	buf := make([]byte, UartConfigSize)
	binary.LittleEndian.PutUint32(buf[0:], u.BaudRate)
	binary.LittleEndian.PutUint32(buf[4:], u.Parity)
	binary.LittleEndian.PutUint32(buf[8:], u.DataWidth)
	binary.LittleEndian.PutUint32(buf[12:], u.StopBits)
	return buf
}

// DecodeUartConfig decodes a UART payload.
func DecodeUartConfig(buf []byte) (UartConfig, error) {
	if err := checkLayout("uart config", buf, UartConfigSize); err != nil {
		return UartConfig{}, err
	}
	return UartConfig{
		BaudRate:  binary.LittleEndian.Uint32(buf[0:]),
		Parity:    binary.LittleEndian.Uint32(buf[4:]),
		DataWidth: binary.LittleEndian.Uint32(buf[8:]),
		StopBits:  binary.LittleEndian.Uint32(buf[12:]),
	}, nil
}
