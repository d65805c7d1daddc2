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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "20260118_0930", "node-1")

	assert.NotNil(t, w)
	assert.Equal(t, "20260118_0930", w.runID)
	assert.Equal(t, "node-1", w.source)
}

func TestJSONLWriter_WriteWorker(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "20260118_0930", "node-1")

	code := 3
	err := w.WriteWorker(context.Background(), &WorkerRecord{
		Rank:       6,
		WorldSize:  8,
		NodeIndex:  1,
		LocalIndex: 2,
		Port:       8002,
		GPUIDs:     []int{4, 5},
		State:      "failed",
		Reason:     "worker_process_failure",
		ExitCode:   &code,
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeWorker, record.Type)
	assert.Equal(t, "20260118_0930", record.RunID)
	assert.Equal(t, "node-1", record.Source)
	assert.False(t, record.TS.IsZero())

	var data WorkerRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, 6, data.Rank)
	assert.Equal(t, []int{4, 5}, data.GPUIDs)
	assert.Equal(t, "worker_process_failure", data.Reason)
	require.NotNil(t, data.ExitCode)
	assert.Equal(t, 3, *data.ExitCode)
}

func TestJSONLWriter_WriteReconcile(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "controller")

	err := w.WriteReconcile(context.Background(), &ReconcileRecord{
		Outcome:      "partial",
		Expected:     8,
		Observed:     7,
		MissingRanks: []int{6},
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeReconcile, record.Type)

	var data ReconcileRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "partial", data.Outcome)
	assert.Equal(t, []int{6}, data.MissingRanks)
}

func TestJSONLWriter_RecordTypes(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "controller")
	ctx := context.Background()

	require.NoError(t, w.WriteNode(ctx, &NodeRecord{NodeIndex: 0, Succeeded: 4}))
	require.NoError(t, w.WritePublish(ctx, &PublishRecord{Source: "a", Destination: "b"}))
	require.NoError(t, w.WritePreflight(ctx, &PreflightRecord{Mode: "write-probe"}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeEmptyShardSet, Message: "none"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{WorldSize: 8, Outcome: "complete"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)

	want := []string{TypeNode, TypePublish, TypePreflight, TypeError, TypeSummary}
	for i, line := range lines {
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		assert.Equal(t, want[i], record.Type)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "controller")

	require.NoError(t, w.Close())

	err := w.WriteNode(context.Background(), &NodeRecord{})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run", "node-0")

	const numWriters = 8
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(rank int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteWorker(context.Background(), &WorkerRecord{Rank: rank, State: "running"})
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
	w := NewJSONLWriter(&buf, "run", "controller")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteNode(ctx, &NodeRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run", "controller")

	err := w.WriteNode(context.Background(), &NodeRecord{})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 7}
	w := NewJSONLWriter(sw, "run", "controller")

	require.NoError(t, w.WriteReconcile(context.Background(), &ReconcileRecord{Outcome: "complete", Expected: 2, Observed: 2}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeReconcile, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "run", "controller")

	err := w.WriteNode(context.Background(), &NodeRecord{})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(&ErrorRecord{Code: ErrCodeInternal, Message: "boom"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "rank")
	assert.NotContains(t, string(b), "key")
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > sw.bytesPerWrite {
		n = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:n])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) {
	return 0, nil
}
