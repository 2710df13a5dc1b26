package pmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(time.Duration) {}

func openTestSession(t *testing.T, cfg *EmulatorConfig) (*Session, *Emulator) {
	t.Helper()
	emu := NewEmulator(cfg)
	s, err := Open(emu, WithSleep(noSleep))
	require.NoError(t, err)
	return s, emu
}

func readySession(t *testing.T, cfg *EmulatorConfig) (*Session, *Emulator) {
	t.Helper()
	s, emu := openTestSession(t, cfg)
	require.NoError(t, s.Initialize())
	require.Equal(t, StateReady, s.State())
	return s, emu
}

func TestOpen_Defaults(t *testing.T) {
	s, _ := openTestSession(t, nil)
	assert.Equal(t, StateUninitialized, s.State())
	assert.Equal(t, DefaultBaudRate, s.BaudRate())
	assert.Equal(t, FastBaudRate, s.fastBaud)
	assert.Equal(t, DefaultReadTimeout, s.readTimeout)
	assert.Equal(t, DefaultStreamSettle, s.streamSettle)
	assert.Equal(t, DefaultUartSettle, s.uartSettle)
}

func TestOpen_InvalidFastBaud(t *testing.T) {
	_, err := Open(NewEmulator(nil), WithFastBaudRate(12345))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestInitialize(t *testing.T) {
	s, emu := readySession(t, nil)

	assert.Equal(t, Identity{Vendor: VendorID, Product: ProductID, Firmware: 6}, s.Identity())
	assert.Equal(t, ConfigGain, s.Config().Layout)
	assert.Len(t, s.Config().AdcGainOffset, NumChannels)
	assert.Equal(t, Calibration{1, -2, 0, 3, -1, 0, 2, -3}, s.Calibration())
	assert.Equal(t, "PCIE1", s.Sensors().Sensors[0].RailName())

	assert.Equal(t, []byte{CmdWriteContTx, CmdReadID, CmdReadConfig, CmdReadSensors, CmdWelcome}, emu.Commands())
}

func TestInitialize_LegacyFirmware(t *testing.T) {
	cfg := DefaultEmulatorConfig()
	cfg.Firmware = 5
	s, _ := readySession(t, &cfg)

	assert.Equal(t, ConfigLegacy, s.Config().Layout)
	assert.Nil(t, s.Config().AdcGainOffset)
	assert.Equal(t, Calibration{1, -2, 0, 3, -1, 0, 2, -3}, s.Calibration())
}

func TestInitialize_StaleStream(t *testing.T) {
	cfg := DefaultEmulatorConfig()
	cfg.StaleStream = true
	s, emu := readySession(t, &cfg)

	assert.False(t, emu.Streaming())
	assert.Equal(t, "PCIE1", s.Sensors().Sensors[0].RailName())
}

func TestInitialize_ProtocolMismatch(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*EmulatorConfig)
	}{
		{"wrong vendor", func(c *EmulatorConfig) { c.Vendor = 0x01 }},
		{"wrong product", func(c *EmulatorConfig) { c.Product = 0x0B }},
		{"wrong welcome", func(c *EmulatorConfig) { c.Welcome = "ElmorLabs PMD-XXX" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEmulatorConfig()
			tt.modify(&cfg)
			s, _ := openTestSession(t, &cfg)

			err := s.Initialize()
			assert.ErrorIs(t, err, ErrProtocolMismatch)
			assert.NotEqual(t, StateReady, s.State())
		})
	}
}

func TestInitialize_Timeout(t *testing.T) {
	s, emu := openTestSession(t, nil)
	emu.LimitReplies(CmdReadConfig, 0)

	err := s.Initialize()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateIdentified, s.State())

	_, err = s.ReadSensorFrame()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInitialize_Twice(t *testing.T) {
	s, _ := readySession(t, nil)
	assert.ErrorIs(t, s.Initialize(), ErrInvalidState)
}

func TestReadFrames(t *testing.T) {
	s, _ := readySession(t, nil)

	sf, err := s.ReadSensorFrame()
	require.NoError(t, err)
	assert.Equal(t, uint16(1200), sf[0])
	assert.Equal(t, uint16(85), sf[1])
	assert.Equal(t, StatePolling, s.State())

	af, err := s.ReadAdcFrame()
	require.NoError(t, err)
	assert.Equal(t, int16(1586), AdcCode(af[0]))
	assert.Equal(t, int16(174), AdcCode(af[1]))

	snap, err := s.ReadSensors()
	require.NoError(t, err)
	assert.Equal(t, uint16(1200), snap.Sensors[0].Voltage)
}

func TestReadSensorFrame_TimeoutOnSecondCall(t *testing.T) {
	s, emu := readySession(t, nil)
	emu.LimitReplies(CmdReadValues, 1)

	_, err := s.ReadSensorFrame()
	require.NoError(t, err)

	_, err = s.ReadSensorFrame()
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStreaming(t *testing.T) {
	cfg := DefaultEmulatorConfig()
	cfg.TickStep = 300
	s, emu := readySession(t, &cfg)

	_, err := s.ReadStreamFrame()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.EnableStreaming(TimestampFull))
	assert.Equal(t, StateStreaming, s.State())
	assert.True(t, emu.Streaming())

	for i := 0; i < 5; i++ {
		f, err := s.ReadStreamFrame()
		require.NoError(t, err)
		assert.True(t, f.HasTimestamp)
		assert.Equal(t, uint32(i*300), f.Ticks)
		assert.Equal(t, int16(1586), AdcCode(f.Adc[0]))
	}

	_, err = s.ReadSensorFrame()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, s.BumpBaudRate(), ErrInvalidState)

	require.NoError(t, s.DisableStreaming())
	assert.Equal(t, StateReady, s.State())
	assert.False(t, emu.Streaming())

	// The in-flight frame was discarded, so request/response works again.
	sf, err := s.ReadSensorFrame()
	require.NoError(t, err)
	assert.Equal(t, uint16(1200), sf[0])
}

func TestStreaming_NoTimestamp(t *testing.T) {
	s, _ := readySession(t, nil)
	require.NoError(t, s.EnableStreaming(TimestampNone))

	f, err := s.ReadStreamFrame()
	require.NoError(t, err)
	assert.False(t, f.HasTimestamp)
	assert.Equal(t, uint32(0), f.Ticks)
}

func TestEnableStreaming_InvalidTimestamp(t *testing.T) {
	s, _ := readySession(t, nil)
	assert.ErrorIs(t, s.EnableStreaming(TimestampSize(3)), ErrConfiguration)
	assert.Equal(t, StateReady, s.State())
}

func TestDisableStreaming_NotStreaming(t *testing.T) {
	s, _ := readySession(t, nil)
	assert.ErrorIs(t, s.DisableStreaming(), ErrInvalidState)
}

func TestBaudRate_BumpAndRestore(t *testing.T) {
	s, emu := readySession(t, nil)

	require.NoError(t, s.BumpBaudRate())
	assert.Equal(t, FastBaudRate, s.BaudRate())
	assert.Equal(t, FastBaudRate, emu.DeviceBaudRate())

	sf, err := s.ReadSensorFrame()
	require.NoError(t, err)
	assert.Equal(t, uint16(1200), sf[0])

	// Streaming at the bumped rate, then back.
	require.NoError(t, s.EnableStreaming(TimestampFull))
	_, err = s.ReadStreamFrame()
	require.NoError(t, err)
	require.NoError(t, s.DisableStreaming())

	require.NoError(t, s.RestoreBaudRate())
	assert.Equal(t, DefaultBaudRate, s.BaudRate())
	assert.Equal(t, DefaultBaudRate, emu.DeviceBaudRate())

	_, err = s.ReadSensorFrame()
	require.NoError(t, err)
}

func TestBaudRate_CustomFastRate(t *testing.T) {
	emu := NewEmulator(nil)
	s, err := Open(emu, WithSleep(noSleep), WithFastBaudRate(921600))
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	require.NoError(t, s.BumpBaudRate())
	assert.Equal(t, 921600, emu.DeviceBaudRate())
	require.NoError(t, s.RestoreBaudRate())
}

func TestRestoreBaudRate_NoBump(t *testing.T) {
	s, emu := readySession(t, nil)
	before := len(emu.Commands())
	require.NoError(t, s.RestoreBaudRate())
	assert.Len(t, emu.Commands(), before)
}

func TestSettleWaits(t *testing.T) {
	var waits []time.Duration
	emu := NewEmulator(nil)
	s, err := Open(emu,
		WithSleep(func(d time.Duration) { waits = append(waits, d) }),
		WithStreamSettle(7*time.Millisecond),
		WithUartSettle(11*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.BumpBaudRate())
	require.NoError(t, s.EnableStreaming(TimestampFull))

	assert.Equal(t, []time.Duration{7 * time.Millisecond, 11 * time.Millisecond, 7 * time.Millisecond}, waits)
}

func TestReset(t *testing.T) {
	s, emu := readySession(t, nil)
	require.NoError(t, s.Reset())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CmdResetDevice, emu.Commands()[len(emu.Commands())-1])
}

func TestClose(t *testing.T) {
	s, _ := readySession(t, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.ReadSensorFrame()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "state(42)", State(42).String())
}
