package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/itohio/gopmd/pkg/sample"
)

// Publisher is the part of a NATS connection the sink uses.
type Publisher interface {
	Publish(subj string, data []byte) error
	Flush() error
}

var _ Publisher = (*nats.Conn)(nil)

// Message is the JSON payload published for each reading.
type Message struct {
	RunID       string        `json:"run_id"`
	Clock       string        `json:"clock"`
	TimestampUs int64         `json:"timestamp_us"`
	Values      sample.Values `json:"values"`
}

// DefaultNATSFlushInterval bounds how often Flush waits for the server.
const DefaultNATSFlushInterval = 100 * time.Millisecond

// NATS publishes every reading as a Message on one subject.
type NATS struct {
	pub     Publisher
	subject string
	runID   string

	flushEvery time.Duration
	lastFlush  time.Time
	now        func() time.Time
}

var _ Sink = (*NATS)(nil)

// NewNATS creates a sink publishing to subject.
func NewNATS(pub Publisher, subject, runID string) *NATS {
	return &NATS{
		pub:        pub,
		subject:    subject,
		runID:      runID,
		flushEvery: DefaultNATSFlushInterval,
		now:        time.Now,
	}
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

func (s *NATS) WriteRow(r sample.Reading) error {
	data, err := json.Marshal(Message{
		RunID:       s.runID,
		Clock:       r.Clock.String(),
		TimestampUs: r.Micros(),
		Values:      r.Values,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	return nil
}

// Flush waits for the server to process published rows. A flush is a round
// trip, so calls within the flush interval of the previous one return
// immediately; the client keeps sending buffered rows in the background.
func (s *NATS) Flush() error {
	now := s.now()
	if !s.lastFlush.IsZero() && now.Sub(s.lastFlush) < s.flushEvery {
		return nil
	}
	s.lastFlush = now
	return s.flush()
}

// Close flushes unconditionally. The connection stays open.
func (s *NATS) Close() error {
	return s.flush()
}

func (s *NATS) flush() error {
	if err := s.pub.Flush(); err != nil {
		return fmt.Errorf("failed to flush nats: %w", err)
	}
	return nil
}
