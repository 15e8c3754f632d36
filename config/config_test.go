package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
database:
  driver: sqlite
  dsn: "file::memory:"
event_processor:
  enabled: true
  backoff_base_seconds: 5
ingest:
  sources:
    - name: aoi
      url: http://aoi.local/results
      mapping:
        sn_path: payload.board.serial
        result:
          path: payload.verdict
          pass_values: ["OK", "GOOD"]
permissions:
  roles:
    quality: ["fai.waive", "readiness.override"]
  actors:
    alice: ["quality"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Server.CacheTTL)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
	assert.Equal(t, 50, cfg.EventProcessor.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.EventProcessor.BackoffBase)
	assert.Equal(t, 10, cfg.EventProcessor.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.TimeRule.SweepInterval)
	require.Len(t, cfg.Ingest.Sources, 1)
	assert.Equal(t, 100, cfg.Ingest.Sources[0].PageSize)
	assert.Equal(t, time.Minute, cfg.Ingest.Sources[0].Interval)
	assert.Equal(t, "INGEST", cfg.Ingest.Sources[0].EventType)
	assert.Equal(t, "payload.board.serial", cfg.Ingest.Sources[0].Mapping.SnPath)
	require.NotNil(t, cfg.Ingest.Sources[0].Mapping.Result)
	assert.Equal(t, []string{"OK", "GOOD"}, cfg.Ingest.Sources[0].Mapping.Result.PassValues)
	assert.Equal(t, []string{"quality"}, cfg.Permissions.Actors["alice"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
