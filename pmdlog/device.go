package main

import (
	"github.com/rs/zerolog/log"

	"github.com/itohio/gopmd/pkg/config"
	"github.com/itohio/gopmd/pkg/metrics"
	"github.com/itohio/gopmd/pkg/pmd"
)

// openPort opens the emulator or the configured serial port. The serial
// port name is checked against the host's ports first.
func openPort(cfg *config.Config, emulate bool) (pmd.Port, error) {
	if emulate {
		log.Info().Msg("using emulated device")
		return pmd.NewEmulator(&cfg.Emulator), nil
	}
	if err := pmd.ValidatePort(cfg.Serial.Port); err != nil {
		return nil, err
	}
	log.Debug().Str("port", cfg.Serial.Port).Msg("opening serial port")
	return pmd.OpenSerial(cfg.Serial.Port)
}

// openSession opens the device without talking to it. m may be nil.
func openSession(cfg *config.Config, emulate bool, m *metrics.Metrics) (*pmd.Session, error) {
	port, err := openPort(cfg, emulate)
	if err != nil {
		return nil, err
	}
	if m != nil {
		port = m.InstrumentPort(port)
	}

	s, err := pmd.Open(port,
		pmd.WithReadTimeout(cfg.Serial.ReadTimeout),
		pmd.WithStreamSettle(cfg.Serial.StreamSettle),
		pmd.WithUartSettle(cfg.Serial.UartSettle),
		pmd.WithFastBaudRate(cfg.Serial.FastBaudRate),
	)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// connect opens and initializes the device.
func connect(cfg *config.Config, emulate bool, m *metrics.Metrics) (*pmd.Session, error) {
	s, err := openSession(cfg, emulate, m)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		if cerr := s.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close after failed initialize")
		}
		return nil, err
	}
	log.Info().Stringer("device", s.Identity()).Msg("device ready")
	return s, nil
}
