package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/app"
	"github.com/vladislavdragonenkov/oms-bulkjobs/internal/httpapi"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd(app.DefaultConfig())
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestShipAndStatus_Badger(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--storage", "badger", "--badger-dir", dir,
		"ship", "job-1", "order-1", "order-2", "--seed", "--output", "json")
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "completed", summary["status"])
	assert.EqualValues(t, 2, summary["processed"])
	assert.EqualValues(t, 0, summary["failed"])

	out, err = execute(t, "--storage", "badger", "--badger-dir", dir, "status", "job-1", "-o", "json")
	require.NoError(t, err)

	var view httpapi.JobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "job-1", view.JobID)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, 2, view.Processed)

	out, err = execute(t, "--storage", "badger", "--badger-dir", dir, "list", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
}

func TestShip_MissingOrdersCountAsFailures(t *testing.T) {
	out, err := execute(t, "ship", "job-2", "order-404")
	require.NoError(t, err)
	assert.Contains(t, out, "job-2")
	assert.Contains(t, out, "completed")
}

func TestStatus_NotFound(t *testing.T) {
	_, err := execute(t, "status", "missing-job")
	require.Error(t, err)
}

func TestShip_InvalidJobID(t *testing.T) {
	_, err := execute(t, "ship", "job with spaces", "order-1")
	require.Error(t, err)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := execute(t, "--dsn", "", "migrate", "status")
	require.ErrorContains(t, err, "--dsn")
}

func TestList_UnknownStatus(t *testing.T) {
	_, err := execute(t, "list", "--status", "exploded")
	require.ErrorContains(t, err, "unknown status")
}
