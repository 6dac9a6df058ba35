package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RunManifest describes one publishing run: the connections to use, the
// resources to replicate and their dependencies, and the Options overrides.
type RunManifest struct {
	// SourceConnection names the source connection in the connection store
	SourceConnection string `yaml:"source_connection" json:"source_connection"`
	// TargetConnection names the target connection in the connection store
	TargetConnection string `yaml:"target_connection" json:"target_connection"`

	// Resources lists the resource endpoints to replicate
	Resources []ResourceManifest `yaml:"resources" json:"resources"`

	// MaxChangeVersion bounds the change window (0 = unbounded)
	MaxChangeVersion int64 `yaml:"max_change_version" json:"max_change_version"`

	// Options carries the pipeline configuration
	Options Options `yaml:"options" json:"options"`
}

// ResourceManifest describes one resource endpoint in the manifest.
type ResourceManifest struct {
	// Path is the resource endpoint path (e.g. "/ed-fi/students")
	Path string `yaml:"path" json:"path"`
	// DependsOn lists resource paths that must complete first
	DependsOn []string `yaml:"depends_on" json:"depends_on"`
	// SupportsDeletes enables the delete stage for this resource
	SupportsDeletes bool `yaml:"supports_deletes" json:"supports_deletes"`
	// SupportsKeyChanges enables the key-change stage for this resource
	SupportsKeyChanges bool `yaml:"supports_key_changes" json:"supports_key_changes"`
	// UseReversePaging overrides the run-level paging strategy
	UseReversePaging bool `yaml:"use_reverse_paging" json:"use_reverse_paging"`
}

// Load loads a configuration from a YAML file into config, substituting
// ${VAR} references from the environment first.
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// LoadManifest loads a run manifest, applies EDFIPUB_* environment
// overrides on top of the file values, and validates the result.
func LoadManifest(filePath string) (*RunManifest, error) {
	manifest := &RunManifest{Options: *DefaultOptions()}
	if err := Load(filePath, manifest); err != nil {
		return nil, err
	}

	applyEnvOverrides(&manifest.Options)

	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Validate validates the manifest for correctness.
func (m *RunManifest) Validate() error {
	if m.SourceConnection == "" {
		return fmt.Errorf("source_connection is required")
	}
	if m.TargetConnection == "" {
		return fmt.Errorf("target_connection is required")
	}
	if len(m.Resources) == 0 {
		return fmt.Errorf("at least one resource is required")
	}
	seen := make(map[string]bool, len(m.Resources))
	for _, r := range m.Resources {
		if r.Path == "" {
			return fmt.Errorf("resource path is required")
		}
		if seen[r.Path] {
			return fmt.Errorf("duplicate resource path: %s", r.Path)
		}
		seen[r.Path] = true
	}
	for _, r := range m.Resources {
		for _, dep := range r.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("resource %s depends on unknown resource %s", r.Path, dep)
			}
		}
	}
	return m.Options.Validate()
}

// applyEnvOverrides layers EDFIPUB_* environment variables over the
// file-provided options via viper.
func applyEnvOverrides(opts *Options) {
	v := viper.New()
	v.SetEnvPrefix("EDFIPUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.IsSet("page_size") {
		opts.Paging.PageSize = v.GetInt("page_size")
	}
	if v.IsSet("page_retrieval_parallelism") {
		opts.Concurrency.PageRetrievalParallelism = v.GetInt("page_retrieval_parallelism")
	}
	if v.IsSet("max_per_resource_parallelism") {
		opts.Concurrency.MaxPerResourceParallelism = v.GetInt("max_per_resource_parallelism")
	}
	if v.IsSet("retry_max_attempts") {
		opts.Retry.MaxAttempts = v.GetInt("retry_max_attempts")
	}
	if v.IsSet("retry_starting_delay") {
		opts.Retry.StartingDelay = v.GetDuration("retry_starting_delay")
	}
	if v.IsSet("rate_limit_enabled") {
		opts.RateLimit.Enabled = v.GetBool("rate_limit_enabled")
	}
	if v.IsSet("log_level") {
		opts.Logging.Level = v.GetString("log_level")
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
