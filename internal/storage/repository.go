package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable sink for sessions and their samples. It is the only
// writer of the database; every write goes through a transaction.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	mu     sync.Mutex
}

// Open creates the database directory if needed, opens the SQLite file and
// brings its schema to the current version.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// A single connection keeps writes serialized and the pragmas applied.
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(ctx, db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Storage initialized")

	return newStore(db, log), nil
}

func newStore(db *sql.DB, log logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log,
	}
}

// RegisterSession records a new session. Registering a known id is a no-op.
func (s *Store) RegisterSession(ctx context.Context, meta telemetry.SessionMetadata) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, insertSessionSQL,
		meta.ID.String(),
		formatTime(meta.StartedAt),
		nullTime(meta.CompletedAt),
		meta.User,
		meta.Notes,
		meta.SoftwareVersion,
		meta.OSBuild,
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug().Str("session_id", meta.ID.String()).Msg("Session already registered")
	}

	return nil
}

// CompleteSession stores the completion time and final notes. Completing an
// unknown or already completed session changes nothing and is not an error.
func (s *Store) CompleteSession(ctx context.Context, meta telemetry.SessionMetadata) error {
	errFactory := errors.New()

	if meta.CompletedAt == nil {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "session has no completion time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, completeSessionSQL,
		formatTime(*meta.CompletedAt),
		meta.Notes,
		meta.ID.String(),
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug().
			Str("session_id", meta.ID.String()).
			Msg("Session unknown or already completed")
	}

	return nil
}

// InsertSamples writes batch for sessionID in one transaction. Either every
// row is committed or none is. An empty batch does nothing.
func (s *Store) InsertSamples(ctx context.Context, sessionID uuid.UUID, batch []telemetry.Sample) error {
	if len(batch) == 0 {
		return nil
	}

	errFactory := errors.New()

	for i := range batch {
		if err := batch[i].Valid(); err != nil {
			return errFactory.Wrap(ErrInvalidSample, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertMetricSQL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prepare statement")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	id := sessionID.String()
	for _, sample := range batch {
		if _, err := stmt.ExecContext(ctx,
			id,
			formatTime(sample.Timestamp),
			sample.Component.String(),
			nullString(sample.Subcomponent),
			sample.Metric.String(),
			sample.Value,
			sample.Units,
			sample.Source,
			sample.Confidence,
		); err != nil {
			s.logger.Error().Err(err).Msg("Failed to execute insert")
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	s.logger.Debug().
		Str("session_id", id).
		Int("records", len(batch)).
		Msg("Flushed samples to database")

	return nil
}

// Session returns the stored metadata for id.
func (s *Store) Session(ctx context.Context, id uuid.UUID) (telemetry.SessionMetadata, error) {
	row := s.db.QueryRowContext(ctx, selectSessionSQL+" WHERE session_id = ?", id.String())

	meta, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.SessionMetadata{}, errors.New().WithData(ErrSessionNotFound, id.String())
	}
	return meta, err
}

// Sessions lists stored sessions, newest first. A limit <= 0 lists all.
func (s *Store) Sessions(ctx context.Context, limit int) ([]telemetry.SessionMetadata, error) {
	errFactory := errors.New()

	query := selectSessionSQL + " ORDER BY started_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []telemetry.SessionMetadata
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

// CountSamples returns the number of rows stored for id.
func (s *Store) CountSamples(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM metrics WHERE session_id = ?", id.String()).Scan(&n)
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}
	return n, nil
}

// EachSample calls fn for every sample of id in timestamp order, stopping at
// the first error fn returns.
func (s *Store) EachSample(ctx context.Context, id uuid.UUID, fn func(telemetry.Sample) error) error {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, selectMetricsSQL, id.String())
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts, component, metric string
			subcomponent          sql.NullString
			sample                telemetry.Sample
		)
		if err := rows.Scan(&ts, &component, &subcomponent, &metric,
			&sample.Value, &sample.Units, &sample.Source, &sample.Confidence); err != nil {
			return errFactory.Wrap(ErrStorageAccess, err)
		}

		if sample.Timestamp, err = parseTime(ts); err != nil {
			return errFactory.Wrap(ErrCorruptRow, err)
		}
		if sample.Component, err = telemetry.ParseComponent(component); err != nil {
			return errFactory.Wrap(ErrCorruptRow, err)
		}
		if sample.Metric, err = telemetry.ParseMetric(metric); err != nil {
			return errFactory.Wrap(ErrCorruptRow, err)
		}
		sample.Subcomponent = subcomponent.String

		if err := fn(sample); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	return nil
}

// Prune deletes completed sessions that ended before cutoff, together with
// their samples, and returns the number of sessions removed. Active sessions
// are never pruned.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Error().Err(err).Msg("Failed to roll back prune")
			}
		}
	}()

	bound := formatTime(cutoff)
	if _, err := tx.ExecContext(ctx, pruneMetricsSQL, bound); err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	res, err := tx.ExecContext(ctx, pruneSessionsSQL, bound)
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	if removed > 0 {
		s.logger.Info().
			Int64("sessions", removed).
			Time("cutoff", cutoff).
			Msg("Pruned expired sessions")
	}

	return removed, nil
}

func (s *Store) Close() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Checkpoint WAL so the database file is self-contained
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := s.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.logger.Info().Msg("Storage closed gracefully")

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (telemetry.SessionMetadata, error) {
	errFactory := errors.New()

	var (
		id, started string
		completed   sql.NullString
		meta        telemetry.SessionMetadata
	)
	if err := row.Scan(&id, &started, &completed,
		&meta.User, &meta.Notes, &meta.SoftwareVersion, &meta.OSBuild); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return meta, err
		}
		return meta, errFactory.Wrap(ErrStorageAccess, err)
	}

	var err error
	if meta.ID, err = uuid.Parse(id); err != nil {
		return meta, errFactory.Wrap(ErrCorruptRow, err)
	}
	if meta.StartedAt, err = parseTime(started); err != nil {
		return meta, errFactory.Wrap(ErrCorruptRow, err)
	}
	if completed.Valid {
		end, err := parseTime(completed.String)
		if err != nil {
			return meta, errFactory.Wrap(ErrCorruptRow, err)
		}
		meta.CompletedAt = &end
	}

	return meta, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
