package publish

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultBufferMaxMemoryBytes bounds how much of an artifact is held in
// memory to make upload retries seekable. Larger artifacts spool to disk.
const DefaultBufferMaxMemoryBytes int64 = 16 << 20

type seekableBody struct {
	reader  io.ReadSeeker
	cleanup func() error
}

func (b *seekableBody) Rewind() error {
	_, err := b.reader.Seek(0, io.SeekStart)
	return err
}

func (b *seekableBody) Close() error {
	if b.cleanup == nil {
		return nil
	}
	return b.cleanup()
}

// newSeekableBody drains src into memory or a temp file and closes it.
func newSeekableBody(src io.ReadCloser, size, maxMemoryBytes int64) (*seekableBody, error) {
	defer func() { _ = src.Close() }()

	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultBufferMaxMemoryBytes
	}
	if size >= 0 && size <= maxMemoryBytes {
		data, err := io.ReadAll(io.LimitReader(src, size))
		if err != nil {
			return nil, err
		}
		return &seekableBody{reader: bytes.NewReader(data)}, nil
	}

	f, err := os.CreateTemp("", "evalfleet-publish-*")
	if err != nil {
		return nil, err
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, src); err != nil {
		discard()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, err
	}
	return &seekableBody{
		reader: f,
		cleanup: func() error {
			closeErr := f.Close()
			rmErr := os.Remove(f.Name())
			if closeErr != nil {
				return fmt.Errorf("close temp file: %w", closeErr)
			}
			return rmErr
		},
	}, nil
}
