package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Type)

	timeout, err := cfg.Editor.RequestTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("GRAPHSYNC_TEST_TOKEN", "s3cret")
	path := writeFile(t, "graphsync.yaml", `
server:
  addr: ":9000"
  auth_token: "${GRAPHSYNC_TEST_TOKEN}"
store:
  type: file
  path: /tmp/revisions.aof
  sync_interval: 250ms
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
	assert.Equal(t, "file", cfg.Store.Type)
	every, err := cfg.Store.SyncEvery()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, every)
	// Unset fields keep their defaults.
	assert.Equal(t, "/ajax_parse", cfg.Server.ParsePath)
	assert.Equal(t, "http", cfg.Editor.Transport)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "server:\n  adress: \":1\"\n",
		"bad store":         "store:\n  type: sqlite\n",
		"bad transport":     "editor:\n  transport: grpc\n",
		"bad timeout":       "editor:\n  timeout: soon\n",
		"bad level":         "log:\n  level: loud\n",
		"bad format":        "log:\n  format: xml\n",
		"file without path": "store:\n  type: file\n  path: \"\"\n",
		"bad sync interval": "store:\n  sync_interval: often\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "graphsync.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "GRAPHSYNC_DOTENV_PROBE=from-file\n")
	t.Setenv("GRAPHSYNC_DOTENV_PROBE", "")
	os.Unsetenv("GRAPHSYNC_DOTENV_PROBE")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("GRAPHSYNC_DOTENV_PROBE"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"msg":"shown"`)
}
