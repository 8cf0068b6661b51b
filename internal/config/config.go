package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Reddit     Reddit     `yaml:"reddit"`
	Feeds      []Feed     `yaml:"feeds"`
	Digest     Digest     `yaml:"digest"`
	Enrichment Enrichment `yaml:"enrichment"`
	Email      Email      `yaml:"email"`
	Schedule   Schedule   `yaml:"schedule"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Server     Server     `yaml:"server"`
	Output     Output     `yaml:"output"`
	Logging    Logging    `yaml:"logging"`
}

type Reddit struct {
	Subreddits      []string `yaml:"subreddits"`
	FetchLimit      int      `yaml:"fetch_limit"`
	WindowHours     int      `yaml:"window_hours"`
	TopComments     int      `yaml:"top_comments"`
	FetchLinkText   bool     `yaml:"fetch_link_text"`
	UserAgent       string   `yaml:"user_agent"`
	ClientIDEnv     string   `yaml:"client_id_env"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	BaseURL         string   `yaml:"base_url"`
	OAuthURL        string   `yaml:"oauth_url"`
}

// Window is the age limit for candidates. It defaults to 24 hours when
// window_hours is unset or not positive.
func (r Reddit) Window() time.Duration {
	if r.WindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(r.WindowHours) * time.Hour
}

// Feed is an extra RSS/Atom community source.
type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Digest struct {
	Title         string `yaml:"title"`
	EditorName    string `yaml:"editor_name"`
	MaxCount      int    `yaml:"max_count"`
	AllowAdult    bool   `yaml:"allow_adult"`
	ExcerptChars  int    `yaml:"excerpt_chars"`
	RetentionDays int    `yaml:"retention_days"`
	OnStoreError  string `yaml:"on_store_error"`
}

type Enrichment struct {
	Summaries      bool    `yaml:"summaries"`
	EditorNote     bool    `yaml:"editor_note"`
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	OllamaURL      string  `yaml:"ollama_url"`
	OpenAIModel    string  `yaml:"openai_model"`
	OpenAIBaseURL  string  `yaml:"openai_base_url"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type Email struct {
	SMTPHost    string   `yaml:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port"`
	UseTLS      bool     `yaml:"use_tls"`
	UseSSL      bool     `yaml:"use_ssl"`
	Username    string   `yaml:"username"`
	PasswordEnv string   `yaml:"password_env"`
	From        string   `yaml:"from"`
	Recipients  []string `yaml:"recipients"`
}

type Schedule struct {
	Time       string   `yaml:"time"`
	Days       []string `yaml:"days"`
	Interval   string   `yaml:"interval"`
	Cron       string   `yaml:"cron"`
	Timezone   string   `yaml:"timezone"`
	RunOnStart bool     `yaml:"run_on_start"`
}

type Database struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	DSNEnv       string `yaml:"dsn_env"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Redis is optional; an empty Addr keeps the run lock in-process.
type Redis struct {
	Addr           string `yaml:"addr"`
	PasswordEnv    string `yaml:"password_env"`
	DB             int    `yaml:"db"`
	LockKey        string `yaml:"lock_key"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for redditdigest.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "redditdigest")
}

// DataDir returns the XDG data directory for redditdigest.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "redditdigest")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/redditdigest/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'redditdigest init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Reddit: Reddit{
			Subreddits:      []string{"AskReddit", "todayilearned", "worldnews", "technology", "science"},
			FetchLimit:      25,
			WindowHours:     24,
			TopComments:     5,
			UserAgent:       "redditdigest/1.0",
			ClientIDEnv:     "REDDIT_CLIENT_ID",
			ClientSecretEnv: "REDDIT_CLIENT_SECRET",
			BaseURL:         "https://www.reddit.com",
			OAuthURL:        "https://oauth.reddit.com",
		},
		Digest: Digest{
			Title:         "Reddit Daily Digest",
			EditorName:    "The Editor",
			MaxCount:      10,
			ExcerptChars:  500,
			RetentionDays: 90,
			OnStoreError:  "assume_new",
		},
		Enrichment: Enrichment{
			Summaries:      true,
			EditorNote:     true,
			Provider:       "openai",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			OpenAIBaseURL:  "https://api.openai.com/v1",
			APIKeyEnv:      "OPENAI_API_KEY",
			Temperature:    0.7,
			TimeoutSeconds: 15,
		},
		Email: Email{
			SMTPPort:    587,
			UseTLS:      true,
			PasswordEnv: "SMTP_PASSWORD",
		},
		Schedule: Schedule{
			Time:     "09:00",
			Timezone: "Local",
		},
		Database: Database{
			Driver:       "sqlite",
			DSNEnv:       "DATABASE_URL",
			MaxOpenConns: 10,
		},
		Redis: Redis{
			PasswordEnv:    "REDIS_PASSWORD",
			LockKey:        "redditdigest:run-lock",
			LockTTLSeconds: 900,
		},
		Server:  Server{Host: "127.0.0.1", Port: 8000},
		Logging: Logging{Level: "INFO", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabaseDSN returns the connection string: the dsn_env variable wins over dsn,
// and sqlite falls back to a file in the data directory.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSNEnv != "" {
		if v := os.Getenv(c.Database.DSNEnv); v != "" {
			return v
		}
	}
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	if c.Database.Driver == "sqlite" {
		return filepath.Join(c.GetDataDir(), "redditdigest.db")
	}
	return ""
}

// SMTPPassword reads the SMTP password from the configured env var.
func (c *Config) SMTPPassword() string {
	return envOrEmpty(c.Email.PasswordEnv)
}

// RedisPassword reads the Redis password from the configured env var.
func (c *Config) RedisPassword() string {
	return envOrEmpty(c.Redis.PasswordEnv)
}

// Location returns the schedule timezone.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Timeout returns the per-call LLM timeout.
func (e Enrichment) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// LockTTL returns the run lock lease duration.
func (r Redis) LockTTL() time.Duration {
	if r.LockTTLSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(r.LockTTLSeconds) * time.Second
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
