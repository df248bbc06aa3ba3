package storage

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, Config) {
	t.Helper()

	cfg := Config{DBPath: filepath.Join(t.TempDir(), "data", "powertrace.db")}
	store, err := Open(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, cfg
}

func testSession(started time.Time) telemetry.SessionMetadata {
	return telemetry.NewSession(started, "notes", telemetry.HostInfo{
		User:            "tester",
		SoftwareVersion: "1.2.3",
		OSBuild:         "Linux 6.8",
	})
}

func testSamples(n int, start time.Time) []telemetry.Sample {
	out := make([]telemetry.Sample, n)
	for i := range out {
		out[i] = telemetry.Sample{
			Timestamp:  start.Add(time.Duration(i) * time.Millisecond),
			Component:  telemetry.ComponentSystem,
			Metric:     telemetry.MetricPowerMilliwatts,
			Value:      float64(i) + 0.5,
			Units:      "mW",
			Source:     "test",
			Confidence: 1,
		}
	}
	return out
}

func TestRegisterSessionIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	meta := testSession(time.Now())

	require.NoError(t, store.RegisterSession(ctx, meta))
	require.NoError(t, store.RegisterSession(ctx, meta))

	sessions, err := store.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	got := sessions[0]
	assert.Equal(t, meta.ID, got.ID)
	assert.True(t, meta.StartedAt.Equal(got.StartedAt))
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "tester", got.User)
	assert.Equal(t, "1.2.3", got.SoftwareVersion)
	assert.Equal(t, "Linux 6.8", got.OSBuild)
}

func TestInsertSamplesRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 4, 10, 0, 0, 123456789, time.UTC)
	meta := testSession(start)
	require.NoError(t, store.RegisterSession(ctx, meta))

	batch := testSamples(3, start)
	batch[1].Subcomponent = "wlan0"
	batch[2].Confidence = 0.25
	require.NoError(t, store.InsertSamples(ctx, meta.ID, batch))

	n, err := store.CountSamples(ctx, meta.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	var got []telemetry.Sample
	require.NoError(t, store.EachSample(ctx, meta.ID, func(s telemetry.Sample) error {
		got = append(got, s)
		return nil
	}))
	require.Len(t, got, 3)
	for i := range batch {
		assert.True(t, batch[i].Timestamp.Equal(got[i].Timestamp), "timestamp %d", i)
		got[i].Timestamp = batch[i].Timestamp
	}
	assert.Equal(t, batch, got)
}

func TestInsertEmptyBatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newStore(db, logger.Nop())
	require.NoError(t, store.InsertSamples(context.Background(), uuid.New(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSamplesRollsBackMidBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO metrics")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(fmt.Errorf("disk I/O error"))
	mock.ExpectRollback()

	store := newStore(db, logger.Nop())
	err = store.InsertSamples(context.Background(), uuid.New(), testSamples(3, time.Now()))

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrTransactionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSamplesCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO metrics")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(fmt.Errorf("database is locked"))

	store := newStore(db, logger.Nop())
	err = store.InsertSamples(context.Background(), uuid.New(), testSamples(1, time.Now()))

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrTransactionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSamplesUnknownSessionLeavesNoRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	unknown := uuid.New()

	err := store.InsertSamples(ctx, unknown, testSamples(5, time.Now()))
	require.Error(t, err, "foreign key must reject rows of an unregistered session")

	n, err := store.CountSamples(ctx, unknown)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertSamplesRejectsNaN(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	batch := testSamples(2, time.Now())
	batch[1].Value = math.NaN()

	store := newStore(db, logger.Nop())
	err = store.InsertSamples(context.Background(), uuid.New(), batch)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidSample))
	require.NoError(t, mock.ExpectationsWereMet(), "no transaction may be opened")
}

func TestCompleteSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()
	meta := testSession(start)
	require.NoError(t, store.RegisterSession(ctx, meta))

	meta.Notes = "updated"
	done := meta.Complete(start.Add(time.Minute))
	require.NoError(t, store.CompleteSession(ctx, done))

	got, err := store.Session(ctx, meta.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.CompletedAt.Equal(*got.CompletedAt))
	assert.Equal(t, "updated", got.Notes)

	// second completion keeps the first end time
	later := meta.Complete(start.Add(time.Hour))
	require.NoError(t, store.CompleteSession(ctx, later))
	got, err = store.Session(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, done.CompletedAt.Equal(*got.CompletedAt))

	// unknown session is tolerated
	require.NoError(t, store.CompleteSession(ctx, testSession(start).Complete(start.Add(time.Second))))
}

func TestCompleteSessionRequiresEndTime(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.CompleteSession(context.Background(), testSession(time.Now()))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestSessionNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Session(context.Background(), uuid.New())
	assert.True(t, errors.HasCode(err, ErrSessionNotFound))
}

func TestPrune(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := testSession(now.Add(-48 * time.Hour))
	recent := testSession(now.Add(-time.Hour))
	active := testSession(now.Add(-72 * time.Hour))

	for _, m := range []telemetry.SessionMetadata{old, recent, active} {
		require.NoError(t, store.RegisterSession(ctx, m))
		require.NoError(t, store.InsertSamples(ctx, m.ID, testSamples(2, m.StartedAt)))
	}
	require.NoError(t, store.CompleteSession(ctx, old.Complete(now.Add(-47*time.Hour))))
	require.NoError(t, store.CompleteSession(ctx, recent.Complete(now.Add(-30*time.Minute))))

	removed, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = store.Session(ctx, old.ID)
	assert.True(t, errors.HasCode(err, ErrSessionNotFound))
	n, err := store.CountSamples(ctx, old.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, m := range []telemetry.SessionMetadata{recent, active} {
		n, err := store.CountSamples(ctx, m.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	}
}

func TestSchemaMismatchIsBackedUpAndRecreated(t *testing.T) {
	store, cfg := openTestStore(t)
	ctx := context.Background()
	meta := testSession(time.Now())
	require.NoError(t, store.RegisterSession(ctx, meta))

	_, err := store.db.ExecContext(ctx, "UPDATE schema_versions SET version = 99")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	version, err := GetSchemaVersion(ctx, reopened.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	sessions, err := reopened.Sessions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	backups, err := os.ReadDir(cfg.backupDir())
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "powertrace_v99_")
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{}, logger.Nop())
	assert.True(t, errors.HasCode(err, ErrInvalidDBPath))
}
