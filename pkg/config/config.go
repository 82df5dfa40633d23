package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("5m", "28s") or a bare integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. The int attempt must come
// first: yaml decodes any scalar into a string target, so the string
// branch would otherwise swallow bare integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("failed to parse duration node: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	ExternalURL string `yaml:"external_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig holds connection settings for the redis store.
type StoreConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// PathsConfig holds every filesystem location antbs reads or writes.
// The repo layout is <repo_base>/<repo name>/<arch> with the package
// database at <repo name>.db.tar.gz inside each arch dir.
type PathsConfig struct {
	BuildBase     string   `yaml:"build_base"`
	RepoBase      string   `yaml:"repo_base"`
	Main64        string   `yaml:"main_64"`
	Main32        string   `yaml:"main_32"`
	Staging64     string   `yaml:"staging_64"`
	Staging32     string   `yaml:"staging_32"`
	ISOTesting    string   `yaml:"iso_testing"`
	MkarchisoDir  string   `yaml:"mkarchiso_dir"`
	MakepkgDir    string   `yaml:"makepkg_dir"`
	GPGDir        string   `yaml:"gpg_dir"`
	PacmanCache   string   `yaml:"pacman_cache"`
	PacmanCache32 string   `yaml:"pacman_cache_i686"`
	TransCnchiDir string   `yaml:"trans_cnchi_dir"`
	TransISODir   string   `yaml:"trans_iso_dir"`
	CacheMaxAge   Duration `yaml:"cache_max_age"`
}

// ReposConfig maps repo roles to concrete repo names.
type ReposConfig struct {
	MainName    string `yaml:"main_name"`
	StagingName string `yaml:"staging_name"`
}

// RecipesConfig describes the PKGBUILD recipe repository.
type RecipesConfig struct {
	URL     string   `yaml:"url"`
	DirName string   `yaml:"dir_name"`
	Subdirs []string `yaml:"subdirs"`
}

// SandboxConfig holds containerd settings and build images.
type SandboxConfig struct {
	Socket        string `yaml:"socket"`
	Namespace     string `yaml:"namespace"`
	BuildImage    string `yaml:"build_image"`
	ISOImage      string `yaml:"iso_image"`
	CPUSet        string `yaml:"cpuset"`
	ISOMemLimitMB int64  `yaml:"iso_mem_limit_mb"`
}

// QueuesConfig holds job timeouts and worker tuning.
type QueuesConfig struct {
	BuildTimeout   Duration `yaml:"build_timeout"`
	RepoTimeout    Duration `yaml:"repo_timeout"`
	WebhookTimeout Duration `yaml:"webhook_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	StatusListCap  int64    `yaml:"status_list_cap"`
}

// WatchedRepo is one upstream project the monitor polls for changes.
type WatchedRepo struct {
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	Package string `yaml:"package"`
	Kind    string `yaml:"kind"` // commits or tags
}

// MonitorConfig holds upstream polling settings.
type MonitorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    Duration      `yaml:"interval"`
	FlagTTL     Duration      `yaml:"flag_ttl"`
	GithubToken string        `yaml:"github_token"`
	Watched     []WatchedRepo `yaml:"watched"`
}

// WebhookConfig holds inbound hook settings.
type WebhookConfig struct {
	MetaCacheTTL Duration `yaml:"meta_cache_ttl"`
	PayloadTTL   Duration `yaml:"payload_ttl"`
	NumixWindow  Duration `yaml:"numix_window"`
	SelfAccount  string   `yaml:"self_account"`
}

// ReviewConfig holds package review settings. ExtraDests are additional
// directories promoted packages are copied to besides the main repo dirs.
type ReviewConfig struct {
	ExtraDests []string `yaml:"extra_dests"`
}

// ISOConfig holds ISO build settings.
type ISOConfig struct {
	Packages []string `yaml:"packages"`
}

// Config is the root antbs configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Paths   PathsConfig   `yaml:"paths"`
	Repos   ReposConfig   `yaml:"repos"`
	Recipes RecipesConfig `yaml:"recipes"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Queues  QueuesConfig  `yaml:"queues"`
	Monitor MonitorConfig `yaml:"monitor"`
	Webhook WebhookConfig `yaml:"webhook"`
	Review  ReviewConfig  `yaml:"review"`
	ISO     ISOConfig     `yaml:"iso"`
}

// Default returns the built-in configuration.
func Default() *Config {
	repoBase := "/srv/antergos.info/repo"

	return &Config{
		Server: ServerConfig{
			Listen:      ":8020",
			ExternalURL: "https://build.antergos.com",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Store: StoreConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Paths: PathsConfig{
			BuildBase:     "/var/tmp/antbs",
			RepoBase:      repoBase,
			Main64:        filepath.Join(repoBase, "antergos", "x86_64"),
			Main32:        filepath.Join(repoBase, "antergos", "i686"),
			Staging64:     filepath.Join(repoBase, "antergos-staging", "x86_64"),
			Staging32:     filepath.Join(repoBase, "antergos-staging", "i686"),
			ISOTesting:    filepath.Join(repoBase, "iso", "testing"),
			MkarchisoDir:  "/opt/archlinux-mkarchiso",
			MakepkgDir:    "/opt/antbs/makepkg",
			GPGDir:        "/root/.gnupg",
			PacmanCache:   "/var/cache/pacman/pkg",
			PacmanCache32: "/var/cache/pacman_i686/pkg",
			TransCnchiDir: "/opt/antbs/translations/cnchi",
			TransISODir:   "/opt/antbs/translations/iso",
			CacheMaxAge:   Duration(30 * 24 * time.Hour),
		},
		Repos: ReposConfig{
			MainName:    "antergos",
			StagingName: "antergos-staging",
		},
		Recipes: RecipesConfig{
			URL:     "https://github.com/antergos/antergos-packages.git",
			DirName: "antergos-packages",
			Subdirs: []string{"cinnamon"},
		},
		Sandbox: SandboxConfig{
			Socket:        "/run/containerd/containerd.sock",
			Namespace:     "antbs",
			BuildImage:    "antergos/makepkg",
			ISOImage:      "antergos/mkarchiso",
			CPUSet:        "0-3",
			ISOMemLimitMB: 2048,
		},
		Queues: QueuesConfig{
			BuildTimeout:   Duration(84600 * time.Second),
			RepoTimeout:    Duration(9600 * time.Second),
			WebhookTimeout: Duration(600 * time.Second),
			PollInterval:   Duration(5 * time.Second),
			StatusListCap:  100,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Interval: Duration(5 * time.Minute),
			FlagTTL:  Duration(5 * time.Minute),
		},
		Webhook: WebhookConfig{
			MetaCacheTTL: Duration(42300 * time.Second),
			PayloadTTL:   Duration(172800 * time.Second),
			NumixWindow:  Duration(3600 * time.Second),
			SelfAccount:  "antbs",
		},
		Review: ReviewConfig{},
		ISO: ISOConfig{
			Packages: []string{
				"antergos-x86_64",
				"antergos-i686",
				"antergos-minimal-x86_64",
				"antergos-minimal-i686",
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing path is
// not an error; the defaults are returned so a bare install can start.
// Secrets may be supplied via ANTBS_STORE_PASSWORD and ANTBS_GITHUB_TOKEN
// instead of the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTBS_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("ANTBS_GITHUB_TOKEN"); v != "" {
		cfg.Monitor.GithubToken = v
	}
	if v := os.Getenv("ANTBS_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
}

// Validate checks settings no component can run without.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Store.Addr == "" {
		return fmt.Errorf("store.addr must not be empty")
	}
	if c.Paths.RepoBase == "" || !filepath.IsAbs(c.Paths.RepoBase) {
		return fmt.Errorf("paths.repo_base must be an absolute path")
	}
	if c.Paths.BuildBase == "" || !filepath.IsAbs(c.Paths.BuildBase) {
		return fmt.Errorf("paths.build_base must be an absolute path")
	}
	if c.Repos.MainName == "" || c.Repos.StagingName == "" {
		return fmt.Errorf("repos.main_name and repos.staging_name must not be empty")
	}
	if c.Queues.StatusListCap <= 0 {
		return fmt.Errorf("queues.status_list_cap must be positive")
	}
	for _, w := range c.Monitor.Watched {
		if w.Kind != "commits" && w.Kind != "tags" {
			return fmt.Errorf("monitor.watched kind %q must be commits or tags", w.Kind)
		}
		if w.Owner == "" || w.Repo == "" || w.Package == "" {
			return fmt.Errorf("monitor.watched entries need owner, repo and package")
		}
	}
	return nil
}
