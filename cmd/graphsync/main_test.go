package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/graphsync/internal/config"
	"github.com/sanonone/graphsync/pkg/model"
)

func TestFmtCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drive.txt")
	require.NoError(t, os.WriteFile(path, []byte("component   a at 0 0\n  out x [m]\n"), 0644))

	var out, errOut bytes.Buffer
	fmtCmd.SetOut(&out)
	fmtCmd.SetErr(&errOut)
	fmtCmd.SetArgs([]string{path})
	require.NoError(t, fmtCmd.Execute())

	assert.Equal(t, "component a at 0 0\n  out x [m]\n", out.String())
	assert.Contains(t, errOut.String(), "port a.x is not connected")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	s, err := openStore(ctx, config.StoreConfig{Type: "file", Path: filepath.Join(t.TempDir(), "rev.aof")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = openStore(ctx, config.StoreConfig{Type: "sqlite"})
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, model.IntKey(-3), parseKey("-3"))
	assert.Equal(t, model.StringKey("motor"), parseKey("motor"))
}
