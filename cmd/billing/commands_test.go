package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitSweepAndToken(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	_, err := execute(t, "--config", configPath, "init",
		"--db-type", "sqlite",
		"--db-path", filepath.Join(dir, "billing.db"),
		"--admin-user", "root",
		"--admin-password", "correct-horse")
	require.NoError(t, err)

	out, err := execute(t, "--config", configPath, "sweep", "report")
	require.NoError(t, err)
	assert.Equal(t, "report: 2 affected\n", out)

	_, err = execute(t, "--config", configPath, "sweep", "vacuum")
	assert.Error(t, err)

	out, err = execute(t, "--config", configPath, "token", "--user", "root", "--role", "admin")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3, "expected a JWT")

	_, err = execute(t, "--config", configPath, "token", "--user", "root", "--role", "owner")
	assert.Error(t, err)

	_, err = execute(t, "--config", configPath, "migrate")
	assert.NoError(t, err)
}

func TestServeNeedsConfig(t *testing.T) {
	t.Setenv("DB_CONNECTION", "")
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing init")
}

func TestInitRejectsDSNWithPath(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "c.yaml"), "init", "--dsn", "file:x.db", "--db-path", "y.db")
	assert.Error(t, err)
}
