package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/cartsync/internal/config"
	"github.com/kimhsiao/cartsync/internal/models"
)

const testConfig = `
[store]
backend = "file"
data_dir = "/data"

[log]
level = "debug"
`

func newTestFs(t *testing.T) afero.Fs {
	t.Helper()
	t.Setenv(config.EnvDataDir, "")
	t.Setenv(config.EnvRemoteURL, "")
	t.Setenv(config.EnvLogLevel, "")

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/cartsync.toml", []byte(testConfig), 0644))
	return fs
}

func run(t *testing.T, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(fs)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", "/etc/cartsync.toml"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionDefault(t *testing.T) {
	assert.NotEmpty(t, Version)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand(afero.NewMemMapFs())

	for _, name := range []string{"version", "status", "pending", "lists", "new-list", "delete-list", "add-item", "sync"} {
		found, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, found.Name())
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand(afero.NewMemMapFs())

	for _, name := range []string{"config", "format", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, newTestFs(t), "version")
	require.NoError(t, err)
	assert.Equal(t, "cartsync v"+Version+"\n", out)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, newTestFs(t), "--format", "yaml", "lists")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestEmptyReplica(t *testing.T) {
	fs := newTestFs(t)

	out, err := run(t, fs, "lists")
	require.NoError(t, err)
	assert.Equal(t, "No lists.\n", out)

	out, err = run(t, fs, "pending")
	require.NoError(t, err)
	assert.Equal(t, "No pending changes.\n", out)

	out, err = run(t, fs, "pending", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestListWorkflow(t *testing.T) {
	fs := newTestFs(t)

	out, err := run(t, fs, "--format", "json", "new-list", "Weekly", "shop", "--budget", "2")
	require.NoError(t, err)
	var list models.ShoppingList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, "Weekly shop", list.Name)
	require.NotNil(t, list.TotalBudget)
	assert.Equal(t, 2.0, *list.TotalBudget)

	out, err = run(t, fs, "add-item", list.ID, "Oat", "milk", "--price", "1.5", "-q", "2", "--category", "dairy")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Added item "))

	out, err = run(t, fs, "lists")
	require.NoError(t, err)
	assert.Contains(t, out, "Weekly shop (1 items, total 3.00) over budget 2.00")
	assert.Contains(t, out, "- Oat milk x2 @ 1.50")

	out, err = run(t, fs, "pending", "--format", "json")
	require.NoError(t, err)
	var pending []*models.ChangeRecord
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 2)
	assert.Equal(t, models.EntityList, pending[0].EntityKind)
	assert.Equal(t, models.EntityItem, pending[1].EntityKind)

	_, err = run(t, fs, "delete-list", list.ID)
	require.NoError(t, err)

	out, err = run(t, fs, "lists", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestAddItemToMissingList(t *testing.T) {
	_, err := run(t, newTestFs(t), "add-item", "missing", "Bread")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStatusReportsOffline(t *testing.T) {
	fs := newTestFs(t)
	_, err := run(t, fs, "new-list", "Party")
	require.NoError(t, err)

	out, err := run(t, fs, "status", "--format", "json")
	require.NoError(t, err)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "file", status["backend"])
	assert.Equal(t, false, status["online"])
	assert.Equal(t, float64(1), status["pending_changes"])
}

func TestSyncFailsWhenOffline(t *testing.T) {
	fs := newTestFs(t)
	_, err := run(t, fs, "new-list", "Party")
	require.NoError(t, err)

	out, err := run(t, fs, "sync", "--format", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OFFLINE")

	var outcome models.SyncOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.False(t, outcome.Success)

	out, err = run(t, fs, "status", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"pending_changes": 1`)
}
