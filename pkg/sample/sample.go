package sample

import (
	"fmt"
	"time"

	"github.com/itohio/gopmd/pkg/pmd"
)

// Scale factors from device codes to physical units.
const (
	SensorVoltsPerLSB = 1.0 / 100
	SensorAmpsPerLSB  = 1.0 / 10
	SensorWattsPerLSB = 1.0

	AdcVoltsPerLSB = 0.007568
	AdcAmpsPerLSB  = 0.0488

	// DeviceTicksPerMicrosecond is the device streaming clock (3 MHz).
	DeviceTicksPerMicrosecond = 3
)

// ChannelNames labels the values of a frame in order.
var ChannelNames = [pmd.NumChannels]string{
	"PCIE1_V", "PCIE1_I",
	"PCIE2_V", "PCIE2_I",
	"EPS1_V", "EPS1_I",
	"EPS2_V", "EPS2_I",
}

// Values holds one converted sample: volts at even indices, amps at odd
// indices, two per rail.
type Values [pmd.NumChannels]float64

// Power returns volts × amps for a rail index in [0, pmd.NumRails).
func (v Values) Power(rail int) float64 {
	return v[2*rail] * v[2*rail+1]
}

// TotalPower returns the summed power of all rails.
func (v Values) TotalPower() float64 {
	var total float64
	for i := 0; i < pmd.NumRails; i++ {
		total += v.Power(i)
	}
	return total
}

// HostTime is host wall-clock time in microseconds since the Unix epoch.
type HostTime int64

// HostTimeOf converts a wall-clock time.
func HostTimeOf(t time.Time) HostTime {
	return HostTime(t.UnixMicro())
}

// DeviceTime is microseconds since the device started streaming. It is not
// comparable with HostTime or across sessions.
type DeviceTime uint32

// Clock names the source of a reading's timestamp.
type Clock int

const (
	ClockHost Clock = iota
	ClockDevice
)

func (c Clock) String() string {
	switch c {
	case ClockHost:
		return "host"
	case ClockDevice:
		return "device"
	}
	return fmt.Sprintf("clock(%d)", int(c))
}

// Reading is one converted sample with its timestamp. Only the timestamp
// field matching Clock is set.
type Reading struct {
	Clock  Clock
	Host   HostTime
	Device DeviceTime
	Values Values
}

// HostReading creates a reading stamped with the host clock.
func HostReading(t HostTime, v Values) Reading {
	return Reading{Clock: ClockHost, Host: t, Values: v}
}

// DeviceReading creates a reading stamped with the device clock.
func DeviceReading(t DeviceTime, v Values) Reading {
	return Reading{Clock: ClockDevice, Device: t, Values: v}
}

// Micros returns the timestamp of the reading's own clock.
func (r Reading) Micros() int64 {
	if r.Clock == ClockDevice {
		return int64(r.Device)
	}
	return int64(r.Host)
}

// ToSensorUnits converts pre-scaled sensor codes. The firmware already
// applies calibration on this path.
func ToSensorUnits(f pmd.SensorFrame) Values {
	var v Values
	for i, code := range f {
		if i%2 == 0 {
			v[i] = float64(code) * SensorVoltsPerLSB
		} else {
			v[i] = float64(code) * SensorAmpsPerLSB
		}
	}
	return v
}

// ToAdcUnits converts raw ADC codes. The calibration offset is added to the
// sign-extended code before scaling.
func ToAdcUnits(f pmd.AdcFrame, cal pmd.Calibration) Values {
	var v Values
	for i, raw := range f {
		code := float64(int(pmd.AdcCode(raw)) + int(cal[i]))
		if i%2 == 0 {
			v[i] = code * AdcVoltsPerLSB
		} else {
			v[i] = code * AdcAmpsPerLSB
		}
	}
	return v
}

// ToHostTimestamp converts device ticks to microseconds since streaming
// start, truncating toward zero.
func ToHostTimestamp(ticks uint32) DeviceTime {
	return DeviceTime(ticks / DeviceTicksPerMicrosecond)
}

// Rail is one converted entry of the onboard sensor block.
type Rail struct {
	Name    string
	Voltage float64
	Current float64
	Power   float64
}

// ToRails converts a sensor block.
func ToRails(s pmd.SensorSnapshot) []Rail {
	rails := make([]Rail, 0, len(s.Sensors))
	for _, r := range s.Sensors {
		rails = append(rails, Rail{
			Name:    r.RailName(),
			Voltage: float64(r.Voltage) * SensorVoltsPerLSB,
			Current: float64(r.Current) * SensorAmpsPerLSB,
			Power:   float64(r.Power) * SensorWattsPerLSB,
		})
	}
	return rails
}
