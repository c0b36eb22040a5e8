// Package sink persists flattened prediction records.
package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
	"github.com/drblury/predictflow/internal/runtime/model"
)

// Writer appends records durably. Append is safe for concurrent use and
// returns a *errors.WriteError when the record was not persisted.
type Writer interface {
	Append(ctx context.Context, rec model.Record) error
	Close() error
}

// Kinds accepted by Open.
const (
	KindCSV      = "csv"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
)

// Options selects and configures a sink.
type Options struct {
	Kind  string
	Path  string
	DSN   string
	Fsync bool
}

// Open builds the Writer described by opts.
func Open(ctx context.Context, opts Options) (Writer, error) {
	switch strings.ToLower(opts.Kind) {
	case "", KindCSV:
		return NewCSVWriter(opts.Path, WithFsync(opts.Fsync))
	case KindPostgres, KindSQLite:
		return NewSQLWriter(ctx, strings.ToLower(opts.Kind), opts.DSN)
	default:
		return nil, fmt.Errorf("sink: unsupported kind %q", opts.Kind)
	}
}

// FormatProb renders a probability with the fewest digits that parse back to
// the same float64.
func FormatProb(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// FormatTags renders tags as a JSON array, preserving order.
func FormatTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	return jsoncodec.MarshalString(tags)
}

// Row returns the record's column values in model.Columns order.
func Row(rec model.Record) ([]string, error) {
	tags, err := FormatTags(rec.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return []string{
		rec.DeviceID,
		rec.ClientID,
		rec.CreatedAt,
		rec.LicenseID,
		rec.ImageFrame,
		FormatProb(rec.Prob),
		tags,
	}, nil
}
