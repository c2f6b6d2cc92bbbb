package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig puts a config file at the default location under a fake
// home directory and returns its path.
func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "mendd")
	require.NoError(t, os.MkdirAll(dir, 0700))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

const validYAML = `
logging:
  level: debug
  format: console
repo:
  path: /srv/project
tests:
  full:
    name: make
    args: ["test"]
  timeout: 30m
tracker:
  backend: memory
producer:
  kind: command
  command:
    name: fix-agent
loop:
  max_iterations: 5
  lease_ttl: 20m
`

func TestLoadWithFileReadsYAML(t *testing.T) {
	path := writeConfig(t, validYAML, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "/srv/project", cfg.Repo.Path)
	assert.Equal(t, "make", cfg.Tests.Full.Name)
	assert.Equal(t, []string{"test"}, cfg.Tests.Full.Args)
	assert.Equal(t, 30*time.Minute, cfg.Tests.Timeout.Duration())
	assert.Equal(t, 5, cfg.Loop.MaxIterations)
	assert.Equal(t, 20*time.Minute, cfg.Loop.LeaseTTL.Duration())
}

func TestLoadWithFileAppliesDefaults(t *testing.T) {
	minimal := `
tests:
  full:
    name: go
    args: ["test", "./..."]
producer:
  command:
    name: fix-agent
`
	path := writeConfig(t, minimal, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ".", cfg.Repo.Path)
	assert.Equal(t, "memory", cfg.Tracker.Backend)
	assert.Equal(t, "command", cfg.Producer.Kind)
	assert.Equal(t, 3, cfg.Loop.MaxIterations)
	assert.Equal(t, 10*time.Minute, cfg.Loop.LeaseTTL.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Loop.PollInterval.Duration())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, validYAML, 0600)

	t.Setenv("MENDD_LOGGING_LEVEL", "warn")
	t.Setenv("MENDD_LOOP_MAX_ITERATIONS", "7")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	// Untouched fields keep the file's values.
	assert.Equal(t, "/srv/project", cfg.Repo.Path)
}

func TestRejectsWorldReadableFile(t *testing.T) {
	path := writeConfig(t, validYAML, 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestRejectsPathOutsideAllowedDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	stray := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(stray, []byte(validYAML), 0600))

	_, err := LoadWithFile(stray)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestMissingFileFallsBackToDefaultsAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, err := LoadWithFile("")

	// Validation still runs: the full test command is mandatory.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tests.full.name is required")
}

func TestValidateRejectsBadBackend(t *testing.T) {
	yaml := `
tests:
  full:
    name: make
tracker:
  backend: jira
producer:
  command:
    name: fix-agent
`
	path := writeConfig(t, yaml, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tracker backend")
}

func TestValidateGitHubBackendNeedsToken(t *testing.T) {
	yaml := `
tests:
  full:
    name: make
tracker:
  backend: github
  github:
    owner: fyrsmithlabs
    repo: mendd
producer:
  command:
    name: fix-agent
`
	path := writeConfig(t, yaml, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker.github.token is required")
}

func TestValidateOllamaProducerNeedsModel(t *testing.T) {
	yaml := `
tests:
  full:
    name: make
producer:
  kind: ollama
`
	path := writeConfig(t, yaml, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer.ollama.model is required")
}
