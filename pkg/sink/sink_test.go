package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gopmd/pkg/sample"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	flushes  int
	err      error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *fakePublisher) Flush() error {
	p.flushes++
	return nil
}

// recorder keeps every row it receives.
type recorder struct {
	rows    []sample.Reading
	flushes int
	closed  bool
	err     error
}

func (r *recorder) WriteRow(rd sample.Reading) error {
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, rd)
	return nil
}

func (r *recorder) Flush() error {
	r.flushes++
	return nil
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,PCIE1_V,PCIE1_I,PCIE2_V,PCIE2_I,EPS1_V,EPS1_I,EPS2_V,EPS2_I\n", buf.String())

	buf.Reset()
	require.NoError(t, s.WriteRow(sample.DeviceReading(400, sample.Values{12.0, 8.5, 0.25, 0, 0, 0, 0, -1})))
	require.NoError(t, s.Flush())
	assert.Equal(t, "400,12,8.5,0.25,0,0,0,0,-1\n", buf.String())

	buf.Reset()
	require.NoError(t, s.WriteRow(sample.HostReading(1700000000000001, sample.Values{5})))
	require.NoError(t, s.Flush())
	assert.Equal(t, "1700000000000001,5,0,0,0,0,0,0,0\n", buf.String())
}

func TestOpenCSV_File(t *testing.T) {
	name := filepath.Join(t.TempDir(), "out.csv")
	s, err := OpenCSV(name)
	require.NoError(t, err)
	require.NoError(t, s.WriteRow(sample.HostReading(1, sample.Values{1, 2, 3, 4, 5, 6, 7, 8})))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,PCIE1_V,PCIE1_I,PCIE2_V,PCIE2_I,EPS1_V,EPS1_I,EPS2_V,EPS2_I\n1,1,2,3,4,5,6,7,8\n", string(data))
}

func TestOpenCSV_BadPath(t *testing.T) {
	_, err := OpenCSV(filepath.Join(t.TempDir(), "missing", "out.csv"))
	assert.Error(t, err)
}

func TestNATS(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATS(pub, "pmd.samples", "run-1")

	require.NoError(t, s.WriteRow(sample.DeviceReading(100, sample.Values{12, 1})))
	require.NoError(t, s.Flush())

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, []string{"pmd.samples"}, pub.subjects)
	assert.Equal(t, 1, pub.flushes)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, "device", msg.Clock)
	assert.Equal(t, int64(100), msg.TimestampUs)
	assert.Equal(t, sample.Values{12, 1}, msg.Values)
}

func TestNATS_FlushInterval(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATS(pub, "pmd.samples", "run-1")
	now := time.Unix(100, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Flush())
	require.NoError(t, s.Flush())
	assert.Equal(t, 1, pub.flushes)

	now = now.Add(DefaultNATSFlushInterval)
	require.NoError(t, s.Flush())
	assert.Equal(t, 2, pub.flushes)

	require.NoError(t, s.Close())
	assert.Equal(t, 3, pub.flushes)
}

func TestNATS_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	s := NewNATS(pub, "pmd.samples", "run-1")

	err := s.WriteRow(sample.HostReading(1, sample.Values{}))
	assert.ErrorIs(t, err, pub.err)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, b}

	r := sample.HostReading(7, sample.Values{1})
	require.NoError(t, m.WriteRow(r))
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	assert.Equal(t, []sample.Reading{r}, a.rows)
	assert.Equal(t, []sample.Reading{r}, b.rows)
	assert.Equal(t, 1, a.flushes)
	assert.Equal(t, 1, b.flushes)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMulti_StopsAtFirstError(t *testing.T) {
	boom := errors.New("disk full")
	a, b := &recorder{err: boom}, &recorder{}

	err := Multi{a, b}.WriteRow(sample.HostReading(1, sample.Values{}))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, b.rows)
}
