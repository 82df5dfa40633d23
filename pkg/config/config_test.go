package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8020", cfg.Server.Listen)
	assert.Equal(t, "localhost:6379", cfg.Store.Addr)
	assert.Equal(t, "antergos", cfg.Repos.MainName)
	assert.Equal(t, "antergos-staging", cfg.Repos.StagingName)
	assert.Equal(t, "/srv/antergos.info/repo/antergos-staging/x86_64", cfg.Paths.Staging64)
	assert.Equal(t, 84600*time.Second, cfg.Queues.BuildTimeout.Std())
	assert.Equal(t, 9600*time.Second, cfg.Queues.RepoTimeout.Std())
	assert.Equal(t, 3600*time.Second, cfg.Webhook.NumixWindow.Std())
	assert.Equal(t, 42300*time.Second, cfg.Webhook.MetaCacheTTL.Std())
	assert.Equal(t, 5*time.Minute, cfg.Monitor.FlagTTL.Std())
	assert.Empty(t, cfg.Review.ExtraDests)
	assert.Len(t, cfg.ISO.Packages, 4)

	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "antbs.yaml")

	content := `
server:
  listen: ":9000"
store:
  addr: "redis.internal:6379"
  db: 2
queues:
  build_timeout: 3600
  poll_interval: 2s
review:
  extra_dests:
    - /srv/mirror/x86_64
monitor:
  watched:
    - owner: antergos
      repo: cnchi
      package: cnchi
      kind: commits
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Addr)
	assert.Equal(t, 2, cfg.Store.DB)
	assert.Equal(t, time.Hour, cfg.Queues.BuildTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Queues.PollInterval.Std())
	assert.Equal(t, []string{"/srv/mirror/x86_64"}, cfg.Review.ExtraDests)
	require.Len(t, cfg.Monitor.Watched, 1)
	assert.Equal(t, "cnchi", cfg.Monitor.Watched[0].Package)

	// untouched settings keep their defaults
	assert.Equal(t, "antergos", cfg.Repos.MainName)
	assert.Equal(t, "/var/tmp/antbs", cfg.Paths.BuildBase)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8020", cfg.Server.Listen)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANTBS_STORE_PASSWORD", "sekrit")
	t.Setenv("ANTBS_GITHUB_TOKEN", "gh-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Store.Password)
	assert.Equal(t, "gh-token", cfg.Monitor.GithubToken)
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{
			name:  "go duration string",
			input: "d: 5m",
			want:  5 * time.Minute,
		},
		{
			name:  "bare seconds",
			input: "d: 84600",
			want:  84600 * time.Second,
		},
		{
			name:    "garbage",
			input:   "d: soon",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Std())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "empty listen",
			mutate: func(c *Config) { c.Server.Listen = "" },
		},
		{
			name:   "relative repo base",
			mutate: func(c *Config) { c.Paths.RepoBase = "repo" },
		},
		{
			name:   "missing staging name",
			mutate: func(c *Config) { c.Repos.StagingName = "" },
		},
		{
			name: "bad watch kind",
			mutate: func(c *Config) {
				c.Monitor.Watched = []WatchedRepo{{Owner: "a", Repo: "b", Package: "c", Kind: "releases"}}
			},
		},
		{
			name:   "zero status cap",
			mutate: func(c *Config) { c.Queues.StatusListCap = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
