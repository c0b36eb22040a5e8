package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/model"
)

// CSVOption customises a CSVWriter.
type CSVOption func(*CSVWriter)

// WithFsync makes every Append sync the file before returning.
func WithFsync(enabled bool) CSVOption {
	return func(w *CSVWriter) { w.fsync = enabled }
}

// WithFileMode sets the permissions used when the file is created.
func WithFileMode(mode os.FileMode) CSVOption {
	return func(w *CSVWriter) { w.mode = mode }
}

// CSVWriter appends one row per call to a CSV file. The file is opened and
// closed for every row under the writer's lock, so rows from concurrent
// callers never interleave and the header is written exactly once, when the
// file is empty.
type CSVWriter struct {
	mu     sync.Mutex
	path   string
	fsync  bool
	mode   os.FileMode
	closed bool
}

// NewCSVWriter returns a writer for path. The file is created on first write.
func NewCSVWriter(path string, opts ...CSVOption) (*CSVWriter, error) {
	if path == "" {
		return nil, errspkg.ErrSinkRequired
	}
	w := &CSVWriter{path: path, mode: 0o644}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Path returns the output file.
func (w *CSVWriter) Path() string { return w.path }

func (w *CSVWriter) Append(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return w.fail(err)
	}
	row, err := Row(rec)
	if err != nil {
		return w.fail(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.fail(errors.New("writer closed"))
	}
	return w.appendLocked(row)
}

func (w *CSVWriter) appendLocked(row []string) (err error) {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, w.mode)
	if err != nil {
		return w.fail(err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = w.fail(cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return w.fail(err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(model.Columns); err != nil {
			return w.fail(fmt.Errorf("write header: %w", err))
		}
	}
	if err := cw.Write(row); err != nil {
		return w.fail(err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return w.fail(err)
	}
	if w.fsync {
		if err := f.Sync(); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

// Close makes later Appends fail. No file handle is held between rows.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *CSVWriter) fail(err error) error {
	return &errspkg.WriteError{Sink: "csv", Err: err}
}
