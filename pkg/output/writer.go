package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for a fleet run.
//
// Implementations must be safe for concurrent use; worker lanes on one node
// share a single writer.
type Writer interface {
	WriteWorker(ctx context.Context, w *WorkerRecord) error
	WriteNode(ctx context.Context, n *NodeRecord) error
	WriteReconcile(ctx context.Context, r *ReconcileRecord) error
	WritePublish(ctx context.Context, p *PublishRecord) error
	WritePreflight(ctx context.Context, p *PreflightRecord) error
	WriteError(ctx context.Context, e *ErrorRecord) error
	WriteSummary(ctx context.Context, s *SummaryRecord) error

	// Close marks the writer closed. The underlying io.Writer is not closed.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w      io.Writer
	runID  string
	source string
	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a new JSONL writer stamping every record with runID
// and source.
func NewJSONLWriter(w io.Writer, runID, source string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		runID:  runID,
		source: source,
	}
}

func (jw *JSONLWriter) WriteWorker(ctx context.Context, w *WorkerRecord) error {
	return jw.writeRecord(ctx, TypeWorker, w)
}

func (jw *JSONLWriter) WriteNode(ctx context.Context, n *NodeRecord) error {
	return jw.writeRecord(ctx, TypeNode, n)
}

func (jw *JSONLWriter) WriteReconcile(ctx context.Context, r *ReconcileRecord) error {
	return jw.writeRecord(ctx, TypeReconcile, r)
}

func (jw *JSONLWriter) WritePublish(ctx context.Context, p *PublishRecord) error {
	return jw.writeRecord(ctx, TypePublish, p)
}

func (jw *JSONLWriter) WritePreflight(ctx context.Context, p *PreflightRecord) error {
	return jw.writeRecord(ctx, TypePreflight, p)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, e)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, s *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, s)
}

func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:   recordType,
		TS:     time.Now().UTC(),
		RunID:  jw.runID,
		Source: jw.source,
		Data:   dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// NopWriter discards every record.
type NopWriter struct{}

func (NopWriter) WriteWorker(context.Context, *WorkerRecord) error       { return nil }
func (NopWriter) WriteNode(context.Context, *NodeRecord) error           { return nil }
func (NopWriter) WriteReconcile(context.Context, *ReconcileRecord) error { return nil }
func (NopWriter) WritePublish(context.Context, *PublishRecord) error     { return nil }
func (NopWriter) WritePreflight(context.Context, *PreflightRecord) error { return nil }
func (NopWriter) WriteError(context.Context, *ErrorRecord) error         { return nil }
func (NopWriter) WriteSummary(context.Context, *SummaryRecord) error     { return nil }
func (NopWriter) Close() error                                           { return nil }

var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = NopWriter{}
)
