package collector

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"codeberg.org/mutker/powertrace/internal/config"
	"codeberg.org/mutker/powertrace/internal/errors"
	"codeberg.org/mutker/powertrace/internal/logger"
	"codeberg.org/mutker/powertrace/internal/sensor"
	"codeberg.org/mutker/powertrace/internal/state"
	"codeberg.org/mutker/powertrace/internal/storage"
	"codeberg.org/mutker/powertrace/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constPoller struct{}

func (constPoller) Name() string         { return "const" }
func (constPoller) Tier() telemetry.Tier { return telemetry.TierHigh }
func (constPoller) Open() error          { return nil }
func (constPoller) Close() error         { return nil }

func (constPoller) Poll(now time.Time) ([]telemetry.Sample, error) {
	return []telemetry.Sample{{
		Timestamp:  now,
		Component:  telemetry.ComponentSystem,
		Metric:     telemetry.MetricPowerMilliwatts,
		Value:      4200,
		Units:      "mW",
		Source:     "test",
		Confidence: 1,
	}}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	return &config.Config{
		LogLevel:       "info",
		Database:       filepath.Join(dir, "powertrace.db"),
		StateFile:      filepath.Join(dir, "state.json"),
		PIDDir:         dir,
		IntervalHigh:   10 * time.Millisecond,
		IntervalMedium: 50 * time.Millisecond,
		IntervalLow:    100 * time.Millisecond,
		BufferCapacity: 64,
		BatchSize:      8,
		FlushInterval:  20 * time.Millisecond,
		Retention:      24 * time.Hour,
		StreamBuffer:   sensor.DefaultStreamBuffer,
		Sensors:        []string{"const"},
		SysfsRoot:      filepath.Join(dir, "sys"),
		ProcfsRoot:     filepath.Join(dir, "proc"),
		User:           "tester",
	}
}

func openHost(t *testing.T, cfg *config.Config) *Host {
	t.Helper()

	h, err := Open(context.Background(), cfg, logger.Nop(),
		WithAdapters(sensor.NewAdapter(constPoller{}, logger.Nop())),
		WithVersion("1.0.0-test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	return h
}

func TestRunRecordsSession(t *testing.T) {
	cfg := testConfig(t)
	h := openHost(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	meta, err := h.Run(ctx, "integration")
	require.NoError(t, err)

	stored, err := h.Store().Session(context.Background(), meta.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, "tester", stored.User)
	assert.Equal(t, "1.0.0-test", stored.SoftwareVersion)
	assert.Equal(t, "integration", stored.Notes)

	count, err := h.Store().CountSamples(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Positive(t, count)

	snap, err := state.NewFile(cfg.StateFile).Load()
	require.NoError(t, err)
	assert.Equal(t, meta.ID, snap.SessionID)
	assert.False(t, snap.Active())
}

func TestOpenPrunesExpiredSessions(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{DBPath: cfg.Database}, logger.Nop())
	require.NoError(t, err)
	old := telemetry.NewSession(time.Now().Add(-72*time.Hour), "", telemetry.HostInfo{})
	require.NoError(t, store.RegisterSession(ctx, old))
	old = old.Complete(time.Now().Add(-71 * time.Hour))
	require.NoError(t, store.CompleteSession(ctx, old))
	recent := telemetry.NewSession(time.Now().Add(-time.Hour), "", telemetry.HostInfo{})
	require.NoError(t, store.RegisterSession(ctx, recent))
	require.NoError(t, store.Close())
	require.NoError(t, state.NewFile(cfg.StateFile).Save(old))

	h := openHost(t, cfg)

	_, err = h.Store().Session(ctx, old.ID)
	assert.True(t, errors.HasCode(err, storage.ErrSessionNotFound))
	_, err = h.Store().Session(ctx, recent.ID)
	assert.NoError(t, err)

	_, err = state.NewFile(cfg.StateFile).Load()
	assert.True(t, errors.HasCode(err, state.ErrNoSnapshot), "snapshot of a pruned session is removed")
}

func TestOpenKeepsSnapshotOfStoredSession(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{DBPath: cfg.Database}, logger.Nop())
	require.NoError(t, err)
	meta := telemetry.NewSession(time.Now().Add(-time.Hour), "", telemetry.HostInfo{})
	require.NoError(t, store.RegisterSession(ctx, meta))
	meta = meta.Complete(time.Now())
	require.NoError(t, store.CompleteSession(ctx, meta))
	require.NoError(t, store.Close())
	require.NoError(t, state.NewFile(cfg.StateFile).Save(meta))

	openHost(t, cfg)

	snap, err := state.NewFile(cfg.StateFile).Load()
	require.NoError(t, err)
	assert.Equal(t, meta.ID, snap.SessionID)
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"
	h := openHost(t, cfg)

	addr := h.MetricsAddr()
	require.NotEmpty(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := h.Run(ctx, "")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "powertrace_samples_enqueued_total")
	assert.Contains(t, string(body), "powertrace_samples_persisted_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetricsDisabledByDefault(t *testing.T) {
	h := openHost(t, testConfig(t))
	assert.Empty(t, h.MetricsAddr())
}

func TestOpenBuildsConfiguredSensors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sensors = []string{"battery", "thermal"}

	h, err := Open(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer h.Close()

	require.Len(t, h.adapters, 2)
	assert.Equal(t, "battery", h.adapters[0].Name())
	assert.Equal(t, "thermal", h.adapters[1].Name())
}

func TestHostInfo(t *testing.T) {
	info := HostInfo("alice", "2.0.0")
	assert.Equal(t, "alice", info.User)
	assert.Equal(t, "2.0.0", info.SoftwareVersion)
	if runtime.GOOS == "linux" {
		assert.Contains(t, info.OSBuild, "Linux")
	}

	assert.NotEmpty(t, HostInfo("", "").User)
}
