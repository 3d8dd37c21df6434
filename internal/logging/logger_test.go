package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	assert.Equal(t, log.WarnLevel, l.GetLevel())

	l.Info("hidden")
	l.Warn("shown", "source", "page")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "source=page")
}

func TestNew_UnknownLevelIsInfo(t *testing.T) {
	l := New(&bytes.Buffer{}, "loud")
	assert.Equal(t, log.InfoLevel, l.GetLevel())
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bulkfeed.log")
	l, closeFn, err := Open(path, "debug")
	require.NoError(t, err)

	l.Debug("to file")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
