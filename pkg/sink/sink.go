package sink

import (
	"errors"

	"github.com/itohio/gopmd/pkg/sample"
)

// Sink receives converted readings in production order.
type Sink interface {
	WriteRow(r sample.Reading) error
	Flush() error
}

// Header is the column layout shared by the row-oriented sinks.
var Header = append([]string{"timestamp"}, sample.ChannelNames[:]...)

// Multi writes every row to each sink in order and stops at the first error.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) WriteRow(r sample.Reading) error {
	for _, s := range m {
		if err := s.WriteRow(r); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Flush() error {
	for _, s := range m {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink that has a Close method.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
