// Package export writes stored sessions to Parquet for offline analysis.
package export

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

const (
	ErrExportFailed = errors.ErrorCode("export_failed")

	rowBatch = 1024
)

// Source is the read side of the store.
type Source interface {
	Session(ctx context.Context, id uuid.UUID) (telemetry.SessionMetadata, error)
	EachSample(ctx context.Context, id uuid.UUID, fn func(telemetry.Sample) error) error
}

// Row is one sample in the exported file.
type Row struct {
	SessionID     string  `parquet:"session_id,dict"`
	TimestampNano int64   `parquet:"timestamp_unix_nano"`
	Component     string  `parquet:"component,dict"`
	Subcomponent  string  `parquet:"subcomponent,dict"`
	Metric        string  `parquet:"metric,dict"`
	Value         float64 `parquet:"value"`
	Units         string  `parquet:"units,dict"`
	Source        string  `parquet:"source,dict"`
	Confidence    float64 `parquet:"confidence"`
}

func newRow(id string, s telemetry.Sample) Row {
	return Row{
		SessionID:     id,
		TimestampNano: s.Timestamp.UnixNano(),
		Component:     s.Component.String(),
		Subcomponent:  s.Subcomponent,
		Metric:        s.Metric.String(),
		Value:         s.Value,
		Units:         s.Units,
		Source:        s.Source,
		Confidence:    s.Confidence,
	}
}

type Exporter struct {
	source Source
	logger logger.Logger
}

func New(source Source, log logger.Logger) *Exporter {
	return &Exporter{source: source, logger: log}
}

// Write streams every sample of session id to w as Snappy-compressed
// Parquet and returns the number of rows written.
func (e *Exporter) Write(ctx context.Context, id uuid.UUID, w io.Writer) (int, error) {
	errFactory := errors.New()

	meta, err := e.source.Session(ctx, id)
	if err != nil {
		return 0, err
	}

	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata("session_id", meta.ID.String()),
		parquet.KeyValueMetadata("started_at", meta.StartedAt.Format(time.RFC3339Nano)),
		parquet.KeyValueMetadata("user", meta.User),
		parquet.KeyValueMetadata("notes", meta.Notes),
		parquet.KeyValueMetadata("software_version", meta.SoftwareVersion),
		parquet.KeyValueMetadata("os_build", meta.OSBuild),
	}
	if meta.CompletedAt != nil {
		opts = append(opts, parquet.KeyValueMetadata("completed_at", meta.CompletedAt.Format(time.RFC3339Nano)))
	}

	writer := parquet.NewGenericWriter[Row](w, opts...)
	sessionID := meta.ID.String()

	total := 0
	rows := make([]Row, 0, rowBatch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		n, err := writer.Write(rows)
		total += n
		rows = rows[:0]
		return err
	}

	err = e.source.EachSample(ctx, id, func(s telemetry.Sample) error {
		rows = append(rows, newRow(sessionID, s))
		if len(rows) == rowBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		_ = writer.Close()
		return total, errFactory.Wrap(ErrExportFailed, err)
	}

	if err := writer.Close(); err != nil {
		return total, errFactory.Wrap(ErrExportFailed, err)
	}

	e.logger.Debug().
		Str("session_id", sessionID).
		Int("rows", total).
		Msg("Session exported")

	return total, nil
}

// WriteFile exports session id to path. The file only appears once the
// export is complete.
func (e *Exporter) WriteFile(ctx context.Context, id uuid.UUID, path string) (int, error) {
	errFactory := errors.New()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.parquet")
	if err != nil {
		return 0, errFactory.Wrap(ErrExportFailed, err)
	}
	defer os.Remove(tmp.Name())

	n, err := e.Write(ctx, id, tmp)
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, errFactory.Wrap(ErrExportFailed, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, errFactory.Wrap(ErrExportFailed, err)
	}

	return n, nil
}
