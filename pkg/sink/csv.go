package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/itohio/gopmd/pkg/sample"
)

// CSV writes one record per reading: the timestamp in microseconds followed
// by the eight channel values.
type CSV struct {
	w      *csv.Writer
	closer io.Closer
}

var _ Sink = (*CSV)(nil)

// NewCSV writes the header to w and returns the sink.
func NewCSV(w io.Writer) (*CSV, error) {
	s := &CSV{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok && w != os.Stdout {
		s.closer = c
	}
	if err := s.w.Write(Header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenCSV creates the named file, or uses stdout when name is empty or "-".
func OpenCSV(name string) (*CSV, error) {
	if name == "" || name == "-" {
		return NewCSV(os.Stdout)
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	s, err := NewCSV(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *CSV) WriteRow(r sample.Reading) error {
	record := make([]string, 0, len(Header))
	record = append(record, strconv.FormatInt(r.Micros(), 10))
	for _, v := range r.Values {
		record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
	}
	if err := s.w.Write(record); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

func (s *CSV) Flush() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file. Stdout is left open.
func (s *CSV) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
