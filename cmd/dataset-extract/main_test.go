package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/dataset-extractor/internal/store"
	"github.com/Sternrassler/dataset-extractor/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig points zenodo at the mock provider and keeps the store in a
// temp dir.
func writeConfig(t *testing.T, baseURL string) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "extract.db")
	configPath = filepath.Join(dir, "dataset-extract.yaml")
	body := fmt.Sprintf(`
log:
  level: error
database:
  path: %s
providers:
  zenodo:
    affiliation: Stanford University
    base_url: %s
`, dbPath, baseURL)
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o600))
	return configPath, dbPath
}

func newZenodoMock(t *testing.T) *testutil.MockProvider {
	t.Helper()
	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)
	mock.SetResponse("/api/records", testutil.NewJSONResponse(testutil.ZenodoSearchPage("",
		testutil.ZenodoRecord{ID: 11, Revision: 2, DOI: "10.5281/zenodo.11", Title: "eleven"},
		testutil.ZenodoRecord{ID: 12, Revision: 1, DOI: "10.5281/zenodo.12", Title: "twelve"},
	)))
	return mock
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dataset-extract dev\n", out)
}

func TestExtract_RequiresProviderOrAll(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := execute(t, "--config", configPath, "extract")
	assert.Error(t, err)

	_, err = execute(t, "--config", configPath, "extract", "--provider", "zenodo", "--all")
	assert.Error(t, err)
}

func TestExtract_UnknownProvider(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := execute(t, "--config", configPath, "extract", "--provider", "figshare")
	assert.Error(t, err)
}

func TestExtract_MissingAffiliation(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := execute(t, "--config", configPath, "extract", "--provider", "dryad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "affiliation")
}

func TestExtractSetsShow(t *testing.T) {
	mock := newZenodoMock(t)
	configPath, dbPath := writeConfig(t, mock.URL())

	out, err := execute(t, "--config", configPath, "extract", "--provider", "zenodo", "--job-id", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "record_set=1 job=42 records=2")
	assert.Equal(t, 1, mock.CountPath("/api/records"))

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	set, err := db.RecordSet(context.Background(), 1)
	require.NoError(t, err)
	jobID, _ := set.JobID()
	assert.Equal(t, "42", jobID)
	require.NoError(t, db.Close())

	out, err = execute(t, "--config", configPath, "sets", "--format", "json")
	require.NoError(t, err)
	var sums []store.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sums))
	require.Len(t, sums, 1)
	assert.Equal(t, "42", sums[0].JobID)
	assert.Equal(t, 2, sums[0].Records)

	out, err = execute(t, "--config", configPath, "sets")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ID"), "table header first")

	out, err = execute(t, "--config", configPath, "show", "1", "--format", "yaml", "--sources")
	require.NoError(t, err)
	var view struct {
		Provider string `yaml:"provider"`
		JobID    string `yaml:"job_id"`
		Records  []struct {
			DatasetID string         `yaml:"dataset_id"`
			Source    map[string]any `yaml:"source"`
		} `yaml:"records"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, "zenodo", view.Provider)
	assert.Equal(t, "42", view.JobID)
	require.Len(t, view.Records, 2)
	assert.Equal(t, "11", view.Records[0].DatasetID)
	assert.NotEmpty(t, view.Records[0].Source)

	out, err = execute(t, "--config", configPath, "show", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, `"source"`, "sources are opt-in")
}

func TestExtract_GeneratesJobID(t *testing.T) {
	mock := newZenodoMock(t)
	configPath, _ := writeConfig(t, mock.URL())

	out, err := execute(t, "--config", configPath, "extract", "--all")
	require.NoError(t, err)
	assert.Regexp(t, `job=[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`, out)
}

func TestShow_Errors(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")

	_, err := execute(t, "--config", configPath, "show", "abc")
	assert.Error(t, err)

	_, err = execute(t, "--config", configPath, "show", "1", "--format", "xml")
	assert.Error(t, err)

	_, err = execute(t, "--config", configPath, "show", "99")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExtract_RefreshNeedsRedis(t *testing.T) {
	mock := newZenodoMock(t)
	configPath, _ := writeConfig(t, mock.URL())

	_, err := execute(t, "--config", configPath, "extract", "--provider", "zenodo", "--refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
	assert.Equal(t, 0, mock.GetRequestCount())
}
