package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/bulkfeed/pkg/source"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./bulkfeed.db", cfg.Database.Path)
	assert.Equal(t, 100, cfg.Bulk.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Bulk.ParseRequestInterval())
	assert.Equal(t, time.Hour, cfg.Schedule.ParseInterval())
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
graph:
  access_token: tok
bulk:
  batch_size: 25
  source_delay: 5s
sources:
  - id: "123"
    name: Page
    kind: feed-a
  - id: "456"
    kind: feed-b
schedule:
  interval: bogus
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tok", cfg.Graph.AccessToken)
	assert.Equal(t, 25, cfg.Bulk.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Bulk.ParseSourceDelay())
	assert.Equal(t, time.Hour, cfg.Schedule.ParseInterval(), "invalid durations fall back")
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, source.Source{ID: "123", DisplayName: "Page", Kind: source.KindFeedA}, cfg.Sources[0])
	assert.Equal(t, "456", cfg.Sources[1].Name())
}

func TestLoad_InvalidSources(t *testing.T) {
	_, err := Load(writeConfig(t, "sources:\n  - id: x\n    kind: rss\n"))
	assert.ErrorContains(t, err, "unknown kind")

	_, err = Load(writeConfig(t, "sources:\n  - id: x\n    kind: feed-a\n  - id: x\n    kind: feed-b\n"))
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BULKFEED_ACCESS_TOKEN", "env-token")
	t.Setenv("BULKFEED_DB_PATH", "/tmp/x.db")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.example/1")
	t.Setenv("BULKFEED_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Graph.AccessToken)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.True(t, cfg.Alerts.Slack.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
