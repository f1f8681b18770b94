package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "https://irsa.example.org")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
	assert.Equal(t, "https://irsa.example.org", w.source)
}

func TestJSONLWriter_WriteEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "svc")
	w.now = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }

	st := bgstatus.Transform(bgstatus.Payload{
		"ID":                             "j7",
		"STATE":                          "WORKING",
		"TITLE":                          "Images",
		"MESSAGE_CNT":                    1,
		"MESSAGE_0":                      "packaging",
		"TOTAL_BYTES":                    2048,
		"PACKAGE_PROGRESS_0_TOTAL_BYTES": 1024,
	})
	err := w.WriteEvent(context.Background(), NewEventRecord(EventUpdated, st))
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeEvent, record.Type)
	assert.Equal(t, "j7", record.JobID)
	assert.Equal(t, "svc", record.Source)
	assert.Equal(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), record.TS)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(record.Data, &ev))
	assert.Equal(t, "UPDATED", ev["event"])
	assert.Equal(t, "WORKING", ev["phase"])
	assert.Equal(t, "Images", ev["title"])
	assert.Equal(t, []any{"packaging"}, ev["messages"])
	assert.Equal(t, float64(2048), ev["total_bytes"])

	items, ok := ev["progress_items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, float64(0), items[0].(map[string]any)["index"])
}

func TestJSONLWriter_DefaultJobID(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "pending", "svc")

	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeRequestFailed, Message: "refused"}))
	w.SetJobID("j1")
	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{Outcome: "COMPLETED"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, TypeError, first.Type)
	assert.Equal(t, "pending", first.JobID)
	assert.Equal(t, TypeSummary, second.Type)
	assert.Equal(t, "j1", second.JobID)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "svc")

	sum := &SummaryRecord{
		JobID:         "j1",
		Outcome:       "COMPLETED",
		Phase:         "SUCCESS",
		Results:       []string{"https://example.org/a.zip"},
		Duration:      1500 * time.Millisecond,
		DurationHuman: "1.5s",
		Updates:       4,
	}
	require.NoError(t, w.WriteSummary(context.Background(), sum))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	var got SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, *sum, got)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "svc")

	require.NoError(t, w.Close())

	err := w.WriteEvent(context.Background(), &EventRecord{JobID: "j"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "svc")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteEvent(context.Background(), &EventRecord{
					JobID:      "j",
					Event:      EventUpdated,
					TotalBytes: int64(writerID*writesPerWriter + j),
				})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "svc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteEvent(ctx, &EventRecord{JobID: "j"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "job-123", "svc")

	err := w.WriteEvent(context.Background(), &EventRecord{JobID: "j"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "job-123", "svc")

	require.NoError(t, w.WriteEvent(context.Background(), &EventRecord{JobID: "j", Event: EventCompleted, Phase: "SUCCESS"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)

	var record Record
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeEvent, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "job-123", "svc")

	err := w.WriteEvent(context.Background(), &EventRecord{JobID: "j"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecords_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "job_id")
	assert.NotContains(t, string(data), "details")

	data, err = json.Marshal(EventRecord{JobID: "j", Event: EventAborted, Phase: "USER_ABORTED"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "progress_items")
	assert.NotContains(t, string(data), "messages")
	assert.NotContains(t, string(data), "title")
}

func BenchmarkJSONLWriter_WriteEvent(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "job-123", "svc")
	ev := &EventRecord{
		JobID:      "j",
		Event:      EventUpdated,
		Phase:      "WORKING",
		Messages:   []string{"packaging 3 of 10"},
		TotalBytes: 1048576,
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteEvent(ctx, ev)
	}
}
