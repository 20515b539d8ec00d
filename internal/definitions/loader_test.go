package definitions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nightlyYAML = `
name: nightly-etl
description: load yesterday's orders
settings:
  timeout_seconds: 600
  no_overlap: true
  failure_policy: skip_dependents
  max_retries: 2
  retry_backoff_min: 10s
  retry_backoff_max: 5m
steps:
  - id: extract
    type: http
    config:
      url: http://orders.local/export
  - id: transform
    type: log
    depends_on: [extract]
    retry:
      max_retries: 3
      backoff_min: 1s
      backoff_max: 30s
  - id: load
    type: noop
    depends_on: [transform]
    parallel_group: sinks
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(nightlyYAML))
	require.NoError(t, err)

	assert.Equal(t, "nightly-etl", def.Name)
	assert.Equal(t, 600, def.Settings.TimeoutSeconds)
	assert.True(t, def.Settings.NoOverlap)
	assert.Equal(t, domain.SkipDependents, def.Settings.FailurePolicy)
	assert.Equal(t, 10*time.Second, def.Settings.RetryBackoffMin)
	assert.Equal(t, 5*time.Minute, def.Settings.RetryBackoffMax)

	require.Len(t, def.Steps, 3)
	assert.Equal(t, "http://orders.local/export", def.Steps[0].Config["url"])
	assert.Equal(t, []string{"extract"}, def.Steps[1].DependsOn)
	assert.Equal(t, 3, def.Steps[1].Retry.MaxRetries)
	assert.Equal(t, 30*time.Second, def.Steps[1].Retry.BackoffMax)
	assert.Equal(t, "sinks", def.Steps[2].ParallelGroup)
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "  \n"},
		{"no name", "steps: []\n"},
		{"unknown field", "name: x\nsteps: []\ncolour: blue\n"},
		{"not yaml", "name: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "name: beta\nsteps:\n  - id: a\n    type: noop\n")
	writeFile(t, dir, "a.yaml", nightlyYAML)
	writeFile(t, dir, "README.md", "not a definition")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "nightly-etl", defs[0].Name)
	assert.Equal(t, "beta", defs[1].Name)
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", "name: same\nsteps: []\n")
	writeFile(t, dir, "two.yaml", "name: same\nsteps: []\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined in both one.yaml and two.yaml")
}

func TestLoadDirReportsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: [\n")
	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")

	_, err = LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
