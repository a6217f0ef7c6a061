// Package config holds the configuration of a foiatool project and knows how a project
// directory is laid out on disk.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"foiatool/lib/configutil"
	"foiatool/lib/telemetry"
)

const (
	ProjectDirName   = "foia"
	ConfigFileName   = "config.toml"
	DatabaseFileName = "foia.db"
	DownloadsDirName = "downloads"

	// EnvDbPath overrides db_path.
	EnvDbPath = "FOIATOOL_DB_PATH"
	// EnvDownloadPath overrides download_path.
	EnvDownloadPath = "FOIATOOL_DOWNLOAD_PATH"
	// EnvRedisURL overrides store.redis_url.
	EnvRedisURL = "FOIATOOL_REDIS_URL"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

const (
	CollisionSuffix    = "suffix"
	CollisionOverwrite = "overwrite"
)

const (
	DefaultDownloadNiceSeconds    = 2
	DefaultDownloadTimeoutSeconds = 1200
)

// Site is the configuration of a single portal, it must not be modified during a run.
type Site struct {
	// Name identifies the portal in the store and names its download directory, it defaults to
	// the host of URL.
	Name     string `json:"name" toml:"name,omitempty"`
	URL      string `json:"url" toml:"url"`
	User     string `json:"user" toml:"user"`
	Password string `json:"password" toml:"password"`

	// SearchTerms are matched against requests, no terms means a single unfiltered search.
	SearchTerms []string `json:"search_terms" toml:"search_terms"`
	// DocumentSearchTerms are matched against file names, case insensitive substrings.
	DocumentSearchTerms []string `json:"document_search_terms" toml:"document_search_terms"`
	// IgnoreIDs are request ids whose documents are never downloaded.
	IgnoreIDs []string `json:"ignore_ids" toml:"ignore_ids"`

	DownloadNiceSeconds    *int `json:"download_nice_seconds" toml:"download_nice_seconds,omitempty"`
	DownloadTimeoutSeconds *int `json:"download_timeout_seconds" toml:"download_timeout_seconds,omitempty"`
	// DownloadRetries is the amount of extra attempts made for a failed download within a run.
	DownloadRetries int `json:"download_retries" toml:"download_retries,omitempty"`

	GroupByRequest bool   `json:"group_by_request" toml:"group_by_request,omitempty"`
	OnCollision    string `json:"on_collision" toml:"on_collision,omitempty"`
	// Closed restricts searches to closed requests.
	Closed *bool `json:"closed" toml:"closed,omitempty"`
}

// Pacing is the delay after every download attempt.
func (s Site) Pacing() time.Duration {
	if s.DownloadNiceSeconds == nil {
		return time.Duration(DefaultDownloadNiceSeconds) * time.Second
	}
	return time.Duration(*s.DownloadNiceSeconds) * time.Second
}

// Timeout bounds a single download attempt.
func (s Site) Timeout() time.Duration {
	if s.DownloadTimeoutSeconds == nil {
		return time.Duration(DefaultDownloadTimeoutSeconds) * time.Second
	}
	return time.Duration(*s.DownloadTimeoutSeconds) * time.Second
}

func (s Site) ClosedOnly() bool {
	return s.Closed == nil || *s.Closed
}

// Host returns the lowercased host of the site url, or an empty string if it cannot be parsed.
func (s Site) Host() string {
	parsed, err := url.Parse(s.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func (s *Site) finalize() {
	if s.Name == "" {
		s.Name = s.Host()
	}
	if s.DownloadNiceSeconds == nil {
		n := DefaultDownloadNiceSeconds
		s.DownloadNiceSeconds = &n
	}
	if s.DownloadTimeoutSeconds == nil {
		n := DefaultDownloadTimeoutSeconds
		s.DownloadTimeoutSeconds = &n
	}
	if s.Closed == nil {
		closed := true
		s.Closed = &closed
	}
	if s.OnCollision == "" {
		s.OnCollision = CollisionSuffix
	}
}

func (s Site) validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("url is empty")
	}
	parsed, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url '%s' must be http or https", s.URL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url '%s' has no host", s.URL)
	}
	if s.Name == "" || strings.ContainsAny(s.Name, `/\`) || s.Name == "." || s.Name == ".." {
		return fmt.Errorf("invalid name '%s'", s.Name)
	}
	if s.DownloadNiceSeconds != nil && *s.DownloadNiceSeconds < 0 {
		return fmt.Errorf("download_nice_seconds must not be negative")
	}
	if s.DownloadTimeoutSeconds != nil && *s.DownloadTimeoutSeconds < 0 {
		return fmt.Errorf("download_timeout_seconds must not be negative")
	}
	if s.DownloadRetries < 0 {
		return fmt.Errorf("download_retries must not be negative")
	}
	switch s.OnCollision {
	case CollisionSuffix, CollisionOverwrite:
	default:
		return fmt.Errorf("unknown on_collision policy '%s'", s.OnCollision)
	}
	return nil
}

type Store struct {
	Backend  string `json:"backend" toml:"backend"`
	RedisURL string `json:"redis_url" toml:"redis_url,omitempty"`
}

// Client configures the http client shared by every portal.
type Client struct {
	UserAgent         string  `json:"user_agent" toml:"user_agent,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second" toml:"requests_per_second,omitempty"`
	TimeoutSeconds    int     `json:"timeout_seconds" toml:"timeout_seconds,omitempty"`
	CloudflareBypass  bool    `json:"cloudflare_bypass" toml:"cloudflare_bypass,omitempty"`
}

// Notify configures the run summary e-mail, it is disabled unless SMTPAddr and To are set.
type Notify struct {
	SMTPAddr string   `json:"smtp_addr" toml:"smtp_addr,omitempty"`
	Username string   `json:"username" toml:"username,omitempty"`
	Password string   `json:"password" toml:"password,omitempty"`
	From     string   `json:"from" toml:"from,omitempty"`
	To       []string `json:"to" toml:"to,omitempty"`
	// OnlyOnChange skips the e-mail when a run downloaded nothing and had no errors.
	OnlyOnChange bool `json:"only_on_change" toml:"only_on_change,omitempty"`
}

func (n Notify) Enabled() bool {
	return n.SMTPAddr != "" && len(n.To) > 0
}

type Config struct {
	DbPath       string           `json:"db_path" toml:"db_path"`
	DownloadPath string           `json:"download_path" toml:"download_path"`
	Store        Store            `json:"store" toml:"store"`
	Client       Client           `json:"client" toml:"client,omitempty"`
	Telemetry    telemetry.Config `json:"telemetry" toml:"telemetry,omitempty"`
	Notify       Notify           `json:"notify" toml:"notify,omitempty"`
	Debug        bool             `json:"debug" toml:"debug,omitempty"`
	Sites        []Site           `json:"request_config" toml:"request_config"`

	// Dir is the directory relative paths are resolved against.
	Dir string `json:"-" toml:"-"`
}

// Load reads the config file at `path` (merged with its .local overlay), applies defaults and
// validates it.
func Load(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Dir = filepath.Dir(abs)

	cfg.Finalize()
	err = cfg.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Finalize applies defaults and environment overrides, then resolves relative paths against Dir.
func (c *Config) Finalize() {
	c.loadDefaults()
	c.loadEnv()

	c.DbPath = c.resolve(c.DbPath)
	c.DownloadPath = c.resolve(c.DownloadPath)
	for i := range c.Sites {
		c.Sites[i].finalize()
	}
}

func (c *Config) loadDefaults() {
	if c.DbPath == "" {
		c.DbPath = DatabaseFileName
	}
	if c.DownloadPath == "" {
		c.DownloadPath = DownloadsDirName
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvDbPath); v != "" {
		c.DbPath = v
	}
	if v := os.Getenv(EnvDownloadPath); v != "" {
		c.DownloadPath = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Store.RedisURL = v
	}
}

func (c Config) resolve(path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

func (c Config) Validate() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("no sites configured under request_config")
	}

	names := map[string]int{}
	for i, site := range c.Sites {
		err := site.validate()
		if err != nil {
			return fmt.Errorf("request_config[%d]: %w", i, err)
		}
		if previous, ok := names[site.Name]; ok {
			return fmt.Errorf("request_config[%d]: name '%s' is already used by request_config[%d]", i, site.Name, previous)
		}
		names[site.Name] = i
	}

	switch c.Store.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store: redis backend requires redis_url")
		}
	default:
		return fmt.Errorf("store: unknown backend '%s'", c.Store.Backend)
	}

	if c.Client.RequestsPerSecond < 0 {
		return fmt.Errorf("client: requests_per_second must not be negative")
	}
	if c.Client.TimeoutSeconds < 0 {
		return fmt.Errorf("client: timeout_seconds must not be negative")
	}
	return nil
}

// SiteByHost finds the site whose url has the given host.
func (c Config) SiteByHost(host string) (Site, bool) {
	host = strings.ToLower(host)
	for _, site := range c.Sites {
		if site.Host() == host {
			return site, true
		}
	}
	return Site{}, false
}

// FindProject walks up from `start` to the nearest project directory and returns the path of
// its config file.
func FindProject(start string) (string, error) {
	dir, err := configutil.FindDir(start, ProjectDirName)
	if err != nil {
		return "", fmt.Errorf("could not find a '%s' directory in %s or any of its parents: %w", ProjectDirName, start, err)
	}
	return filepath.Join(dir, ConfigFileName), nil
}
