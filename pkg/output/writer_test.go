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
)

func decodeLines(t *testing.T, s string) []Record {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := make([]Record, 0, len(lines))
	for i, line := range lines {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line %d: %s", i, line)
		out = append(out, rec)
	}
	return out
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "127.0.0.1:8001")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
	assert.Equal(t, "127.0.0.1:8001", w.backend)
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := w.WriteJob(context.Background(), &JobRecord{
		Status:    "running",
		Files:     []string{"a.csv", "b.csv"},
		StartedAt: started,
	})
	require.NoError(t, err)

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeJob, recs[0].Type)
	assert.Equal(t, "J1", recs[0].JobID)
	assert.Equal(t, "backend", recs[0].Backend)
	assert.False(t, recs[0].TS.IsZero())

	var job JobRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &job))
	assert.Equal(t, "running", job.Status)
	assert.Equal(t, []string{"a.csv", "b.csv"}, job.Files)
	assert.True(t, started.Equal(job.StartedAt))
	assert.Nil(t, job.FinishedAt)
}

func TestJSONLWriter_SetJobID(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "backend")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Status: "starting"}))
	w.SetJobID("J7")
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Status: "running"}))

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 2)
	assert.Equal(t, "", recs[0].JobID)
	assert.Equal(t, "J7", recs[1].JobID)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	pct := 62.5
	err := w.WriteProgress(context.Background(), &ProgressRecord{
		Sequence: 3,
		Status:   "running",
		Stage:    "ALIGN",
		Percent:  &pct,
	})
	require.NoError(t, err)

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeProgress, recs[0].Type)

	var prog ProgressRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &prog))
	assert.Equal(t, int64(3), prog.Sequence)
	assert.Equal(t, "ALIGN", prog.Stage)
	require.NotNil(t, prog.Percent)
	assert.InDelta(t, 62.5, *prog.Percent, 1e-9)
}

func TestJSONLWriter_WriteResult(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	doc := json.RawMessage(`{"racks":[{"id":1,"score":0.4}]}`)
	err := w.WriteResult(context.Background(), &ResultRecord{Scope: "overview", Result: doc})
	require.NoError(t, err)

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeResult, recs[0].Type)

	var res ResultRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &res))
	assert.Equal(t, "overview", res.Scope)
	assert.JSONEq(t, string(doc), string(res.Result))
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeNotFound,
		Message: "rack not found",
		Scope:   "rack/9",
		Status:  404,
	})
	require.NoError(t, err)

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeError, recs[0].Type)

	var errRec ErrorRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &errRec))
	assert.Equal(t, ErrCodeNotFound, errRec.Code)
	assert.Equal(t, "rack/9", errRec.Scope)
	assert.Equal(t, 404, errRec.Status)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	err := w.WriteSummary(context.Background(), &SummaryRecord{
		Status:        "completed",
		LastSequence:  12,
		Reconnects:    1,
		Duration:      90 * time.Second,
		DurationHuman: "1m30s",
	})
	require.NoError(t, err)

	recs := decodeLines(t, buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeSummary, recs[0].Type)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &sum))
	assert.Equal(t, "completed", sum.Status)
	assert.Equal(t, int64(12), sum.LastSequence)
	assert.Equal(t, 90*time.Second, sum.Duration)
	assert.Equal(t, "1m30s", sum.DurationHuman)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	require.NoError(t, w.WriteFile(context.Background(), &FileRecord{Name: "a.csv"}))
	require.NoError(t, w.WriteFile(context.Background(), &FileRecord{Name: "b.csv"}))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Len(t, decodeLines(t, buf.String()), 2)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	require.NoError(t, w.Close())

	err := w.WriteFile(context.Background(), &FileRecord{Name: "a.csv"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteProgress(context.Background(), &ProgressRecord{
					Sequence: int64(writerID*writesPerWriter + j),
					Status:   "running",
				})
			}
		}(i)
	}

	wg.Wait()

	// Every line must be a complete record (no interleaving).
	assert.Len(t, decodeLines(t, buf.String()), numWriters*writesPerWriter)
	assert.Equal(t, numWriters*writesPerWriter, w.Count(TypeProgress))
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{Status: "running"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "J1", "backend")

	err := w.WriteJob(context.Background(), &JobRecord{Status: "running"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
	assert.Zero(t, w.Count(TypeJob), "failed writes are not counted")
}

func TestJSONLWriter_Count(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")
	ctx := context.Background()

	require.NoError(t, w.WriteJob(ctx, &JobRecord{Status: "running"}))
	require.NoError(t, w.WriteProgress(ctx, &ProgressRecord{Sequence: 1}))
	require.NoError(t, w.WriteProgress(ctx, &ProgressRecord{Sequence: 2}))

	assert.Equal(t, 1, w.Count(TypeJob))
	assert.Equal(t, 2, w.Count(TypeProgress))
	assert.Zero(t, w.Count(TypeSummary))
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "J1", "backend")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeInternal,
		Message: "bad details",
		Details: make(chan int),
	})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "marshal_data", writeErr.Op)
	assert.Empty(t, buf.String())
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "J1", "backend")

	err := w.WriteResult(context.Background(), &ResultRecord{
		Scope:  "rack/1/module/2",
		Result: json.RawMessage(`{"cells":[1,2,3]}`),
	})
	require.NoError(t, err)

	recs := decodeLines(t, sw.buf.String())
	require.Len(t, recs, 1)
	assert.Equal(t, TypeResult, recs[0].Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "J1", "backend")

	err := w.WriteJob(context.Background(), &JobRecord{Status: "running"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call with a nil error.
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

func TestProgressRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(&ProgressRecord{Sequence: 1, Status: "running"})
	require.NoError(t, err)

	s := string(b)
	assert.NotContains(t, s, "percent")
	assert.NotContains(t, s, "stage")
	assert.NotContains(t, s, "detail")
}

func BenchmarkJSONLWriter_WriteProgress(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "J1", "backend")
	pct := 10.0
	rec := &ProgressRecord{Sequence: 1, Status: "running", Stage: "ALIGN", Percent: &pct}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteProgress(context.Background(), rec)
	}
}
