package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	assert.Equal(t, 500, opts.Paging.PageSize)
	assert.Equal(t, 500*time.Millisecond, opts.Retry.StartingDelay)
	assert.Equal(t, 3, opts.Retry.MaxAttempts)
	assert.False(t, opts.RateLimit.Enabled)
}

func TestOptionsValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero page size", func(o *Options) { o.Paging.PageSize = 0 }},
		{"negative page size", func(o *Options) { o.Paging.PageSize = -1 }},
		{"zero page parallelism", func(o *Options) { o.Concurrency.PageRetrievalParallelism = 0 }},
		{"zero apply parallelism", func(o *Options) { o.Concurrency.MaxPerResourceParallelism = 0 }},
		{"zero queue capacity", func(o *Options) { o.Concurrency.StageQueueCapacity = 0 }},
		{"negative starting delay", func(o *Options) { o.Retry.StartingDelay = -time.Second }},
		{"negative max attempts", func(o *Options) { o.Retry.MaxAttempts = -1 }},
		{"negative error ceiling", func(o *Options) { o.ErrorCeiling = -1 }},
		{"rate limit enabled without rate", func(o *Options) {
			o.RateLimit.Enabled = true
			o.RateLimit.RequestsPerSecond = 0
		}},
		{"rate limit enabled without burst", func(o *Options) {
			o.RateLimit.Enabled = true
			o.RateLimit.Burst = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(opts)
			assert.Error(t, opts.Validate())
		})
	}
}

const testManifest = `
source_connection: hostA
target_connection: hostB
max_change_version: 500
resources:
  - path: /ed-fi/schools
  - path: /ed-fi/students
    supports_deletes: true
  - path: /ed-fi/studentSchoolAssociations
    depends_on:
      - /ed-fi/schools
      - /ed-fi/students
    supports_deletes: true
    supports_key_changes: true
options:
  paging:
    page_size: 100
  error_ceiling: 10
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadManifest(t *testing.T) {
	manifest, err := LoadManifest(writeManifest(t, testManifest))
	require.NoError(t, err)

	assert.Equal(t, "hostA", manifest.SourceConnection)
	assert.Equal(t, "hostB", manifest.TargetConnection)
	assert.Equal(t, int64(500), manifest.MaxChangeVersion)
	require.Len(t, manifest.Resources, 3)

	assoc := manifest.Resources[2]
	assert.Equal(t, "/ed-fi/studentSchoolAssociations", assoc.Path)
	assert.Equal(t, []string{"/ed-fi/schools", "/ed-fi/students"}, assoc.DependsOn)
	assert.True(t, assoc.SupportsDeletes)
	assert.True(t, assoc.SupportsKeyChanges)

	// File values layer over defaults.
	assert.Equal(t, 100, manifest.Options.Paging.PageSize)
	assert.Equal(t, 10, manifest.Options.ErrorCeiling)
	assert.Equal(t, 3, manifest.Options.Retry.MaxAttempts)
}

func TestLoadManifestSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_SOURCE_CONN", "envHost")

	manifest, err := LoadManifest(writeManifest(t, `
source_connection: ${TEST_SOURCE_CONN}
target_connection: hostB
resources:
  - path: /ed-fi/students
`))
	require.NoError(t, err)
	assert.Equal(t, "envHost", manifest.SourceConnection)
}

func TestLoadManifestEnvOverrides(t *testing.T) {
	t.Setenv("EDFIPUB_PAGE_SIZE", "250")

	manifest, err := LoadManifest(writeManifest(t, `
source_connection: hostA
target_connection: hostB
resources:
  - path: /ed-fi/students
`))
	require.NoError(t, err)
	assert.Equal(t, 250, manifest.Options.Paging.PageSize)
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunManifest)
	}{
		{"missing source", func(m *RunManifest) { m.SourceConnection = "" }},
		{"missing target", func(m *RunManifest) { m.TargetConnection = "" }},
		{"no resources", func(m *RunManifest) { m.Resources = nil }},
		{"empty path", func(m *RunManifest) { m.Resources[0].Path = "" }},
		{"duplicate path", func(m *RunManifest) {
			m.Resources = append(m.Resources, ResourceManifest{Path: m.Resources[0].Path})
		}},
		{"unknown dependency", func(m *RunManifest) {
			m.Resources[0].DependsOn = []string{"/ed-fi/missing"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifest := &RunManifest{
				SourceConnection: "hostA",
				TargetConnection: "hostB",
				Resources:        []ResourceManifest{{Path: "/ed-fi/students"}},
				Options:          *DefaultOptions(),
			}
			tt.mutate(manifest)
			assert.Error(t, manifest.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
