package storage

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS sessions (
	       session_id       TEXT PRIMARY KEY,
	       started_at       TEXT NOT NULL,
	       completed_at     TEXT,
	       user             TEXT NOT NULL DEFAULT '',
	       notes            TEXT NOT NULL DEFAULT '',
	       software_version TEXT NOT NULL DEFAULT '',
	       os_build         TEXT NOT NULL DEFAULT ''
	   );
	   CREATE TABLE IF NOT EXISTS metrics (
	       id           INTEGER PRIMARY KEY AUTOINCREMENT,
	       session_id   TEXT NOT NULL REFERENCES sessions(session_id),
	       timestamp    TEXT NOT NULL,
	       component    TEXT NOT NULL,
	       subcomponent TEXT,
	       metric       TEXT NOT NULL,
	       value        REAL NOT NULL,
	       units        TEXT NOT NULL,
	       source       TEXT NOT NULL,
	       confidence   REAL NOT NULL CHECK (confidence >= 0.0 AND confidence <= 1.0)
	   );
	   CREATE INDEX IF NOT EXISTS idx_metrics_session_timestamp
	       ON metrics (session_id, timestamp);`

	insertSessionSQL = `
    INSERT OR IGNORE INTO sessions (
        session_id, started_at, completed_at,
        user, notes, software_version, os_build
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	completeSessionSQL = `
    UPDATE sessions
    SET completed_at = ?, notes = ?
    WHERE session_id = ? AND completed_at IS NULL`

	insertMetricSQL = `
    INSERT INTO metrics (
        session_id, timestamp,
        component, subcomponent, metric,
        value, units, source, confidence
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSessionSQL = `
    SELECT session_id, started_at, completed_at,
           user, notes, software_version, os_build
    FROM sessions`

	selectMetricsSQL = `
    SELECT timestamp, component, subcomponent, metric,
           value, units, source, confidence
    FROM metrics
    WHERE session_id = ?
    ORDER BY timestamp, id`

	pruneMetricsSQL = `
    DELETE FROM metrics WHERE session_id IN (
        SELECT session_id FROM sessions
        WHERE completed_at IS NOT NULL AND completed_at < ?
    )`

	pruneSessionsSQL = `
    DELETE FROM sessions
    WHERE completed_at IS NOT NULL AND completed_at < ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
