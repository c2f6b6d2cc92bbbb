package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/config"
	"github.com/fyrsmithlabs/mendd/pkg/testrun"
	"github.com/fyrsmithlabs/mendd/pkg/tracker"
)

func testConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
		Repo:    config.RepoConfig{Path: "/tmp/repo"},
		Tests: config.TestsConfig{
			Full:    testrun.Command{Name: "go", Args: []string{"test", "./..."}},
			Timeout: config.Duration(time.Minute),
		},
		Tracker: config.TrackerConfig{Backend: "memory"},
		Producer: config.ProducerConfig{
			Kind:    "command",
			Command: config.CommandProducerConfig{Name: "fix-agent", Timeout: config.Duration(time.Minute)},
		},
		Loop: config.LoopConfig{
			MaxIterations: 3,
			LeaseTTL:      config.Duration(10 * time.Minute),
			PollInterval:  config.Duration(time.Minute),
		},
	}
}

func TestWireAssemblesMemoryBackend(t *testing.T) {
	o, err := wire(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, o)
}

func TestWireRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Tracker.Backend = "jira"

	_, err := wire(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tracker backend")
}

func TestWireRejectsUnknownProducer(t *testing.T) {
	cfg := testConfig()
	cfg.Producer.Kind = "telepathy"

	_, err := wire(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown producer kind")
}

func TestBuildStoreGitHubNeedsToken(t *testing.T) {
	cfg := testConfig()
	cfg.Tracker.Backend = "github"
	cfg.Tracker.GitHub = config.GitHubConfig{Owner: "fyrsmithlabs", Repo: "mendd"}

	_, err := buildStore(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestBuildStoreGitHub(t *testing.T) {
	cfg := testConfig()
	cfg.Tracker.Backend = "github"
	cfg.Tracker.GitHub = config.GitHubConfig{Owner: "fyrsmithlabs", Repo: "mendd", Token: "ghp_test"}

	store, err := buildStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	_, ok := store.(*tracker.GitHubStore)
	assert.True(t, ok)
}

func TestWithDirDefaultsToRepoPath(t *testing.T) {
	c := withDir(testrun.Command{Name: "make"}, "/srv/project")
	assert.Equal(t, "/srv/project", c.Dir)

	c = withDir(testrun.Command{Name: "make", Dir: "/elsewhere"}, "/srv/project")
	assert.Equal(t, "/elsewhere", c.Dir)
}

func TestBuildRunnerRegistersConfiguredScopes(t *testing.T) {
	cfg := testConfig()
	cfg.Tests.Smoke = testrun.Command{Name: "go", Args: []string{"test", "-short", "./..."}}

	r, err := buildRunner(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestInitCmdCreatesConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, initCmd.RunE(initCmd, nil))

	info, err := os.Stat(filepath.Join(home, ".config", "mendd"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
