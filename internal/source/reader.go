package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/SteelMorgan/timeline-indexer/internal/domain"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/klauspost/compress/gzip"
)

// Stdin is the source name that reads records from standard input
const Stdin = "-"

var gzipMagic = []byte{0x1f, 0x8b}

// LineError reports a line that could not be decoded
type LineError struct {
	Source string
	Line   int
	Err    error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Reader reads JSON-lines timeline records. Gzip input is detected by its
// magic bytes, so compressed stdin works too.
type Reader struct {
	name    string
	buf     *bufio.Reader
	closers []io.Closer
	line    int
	records uint64
}

// Open opens a record file, or stdin when path is "-"
func Open(path string) (*Reader, error) {
	if path == Stdin {
		return NewReader(Stdin, io.NopCloser(os.Stdin))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	r, err := NewReader(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader wraps rc. Closing the Reader closes rc.
func NewReader(name string, rc io.ReadCloser) (*Reader, error) {
	r := &Reader{name: name, closers: []io.Closer{rc}}
	buf := bufio.NewReaderSize(rc, 64*1024)

	magic, err := buf.Peek(len(gzipMagic))
	if err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", name, err)
		}
		r.closers = append(r.closers, gz)
		buf = bufio.NewReaderSize(gz, 64*1024)
	}

	r.buf = buf
	return r, nil
}

// Name returns the source name
func (r *Reader) Name() string {
	return r.name
}

// Line returns the number of the last line read
func (r *Reader) Line() int {
	return r.line
}

// Records returns the number of records returned so far
func (r *Reader) Records() uint64 {
	return r.records
}

// Next returns the next record, or io.EOF at the end of input.
// Blank lines are skipped. Timestamps missing from a line are absent.
func (r *Reader) Next() (domain.RawRecord, error) {
	for {
		data, err := r.buf.ReadBytes('\n')
		if len(data) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return domain.RawRecord{}, io.EOF
			}
			return domain.RawRecord{}, fmt.Errorf("failed to read %s: %w", r.name, err)
		}
		r.line++

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			if err != nil {
				return domain.RawRecord{}, io.EOF
			}
			continue
		}

		rec := domain.RawRecord{
			MTime:  timestamp.AbsentTimestamp,
			ATime:  timestamp.AbsentTimestamp,
			CTime:  timestamp.AbsentTimestamp,
			CRTime: timestamp.AbsentTimestamp,
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return domain.RawRecord{}, &LineError{Source: r.name, Line: r.line, Err: err}
		}
		r.records++
		return rec, nil
	}
}

// Skip discards the first n records, used to resume from a checkpoint
func (r *Reader) Skip(n uint64) error {
	for r.records < n {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%s has %d records, checkpoint is at %d", r.name, r.records, n)
			}
			return err
		}
	}
	return nil
}

// Close closes the decompressor and the underlying input
func (r *Reader) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
