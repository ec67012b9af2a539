package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// LauncherConfig holds runtime configuration shared by the CLI and the agent.
type LauncherConfig struct {
	Environment string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`

	Domain string `mapstructure:"domain"`
	// APIURL and WSURL override the endpoints derived from Domain.
	APIURL string `mapstructure:"api_url"`
	WSURL  string `mapstructure:"ws_url"`

	DataDir    string `mapstructure:"data_dir"`
	KVBackend  string `mapstructure:"kv_backend"`
	RedisURL   string `mapstructure:"redis_url"`
	SessionKey string `mapstructure:"session_key"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	APITimeout     time.Duration `mapstructure:"api_timeout"`

	RuntimeHost    string `mapstructure:"runtime_host"`
	ModulesDir     string `mapstructure:"modules_dir"`
	ModuleRegistry string `mapstructure:"module_registry"`
	DockerHost     string `mapstructure:"docker_host"`
	ImagePrefix    string `mapstructure:"image_prefix"`

	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`

	CrashLines   int    `mapstructure:"crash_lines"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	AgentAddr    string `mapstructure:"agent_addr"`
}

// LoadLauncherConfig reads defaults, the optional config file and SHIPGO_*
// environment variables, in increasing precedence.
func LoadLauncherConfig() (LauncherConfig, error) {
	v, err := newViper()
	if err != nil {
		return LauncherConfig{}, err
	}
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("domain", PrimaryDomain)
	v.SetDefault("api_url", "")
	v.SetDefault("ws_url", "")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("kv_backend", "file")
	v.SetDefault("redis_url", "")
	v.SetDefault("session_key", "")
	v.SetDefault("connect_timeout", 15*time.Second)
	v.SetDefault("read_timeout", 300*time.Second)
	v.SetDefault("api_timeout", 30*time.Second)
	v.SetDefault("runtime_host", "dir")
	v.SetDefault("modules_dir", "")
	v.SetDefault("module_registry", "")
	v.SetDefault("docker_host", "")
	v.SetDefault("image_prefix", "shipgo/runtime")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("crash_lines", 500)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("agent_addr", "127.0.0.1:7420")

	var cfg LauncherConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return LauncherConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return LauncherConfig{}, err
	}
	return cfg, nil
}

func (c *LauncherConfig) validate() error {
	c.KVBackend = strings.ToLower(strings.TrimSpace(c.KVBackend))
	switch c.KVBackend {
	case "file":
	case "redis":
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("config: redis_url must be set when kv_backend=redis")
		}
	default:
		return fmt.Errorf("config: unknown kv_backend %q", c.KVBackend)
	}
	c.RuntimeHost = strings.ToLower(strings.TrimSpace(c.RuntimeHost))
	if c.RuntimeHost != "dir" && c.RuntimeHost != "docker" {
		return fmt.Errorf("config: unknown runtime_host %q", c.RuntimeHost)
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("config: transfer timeouts must be positive")
	}
	if c.CrashLines <= 0 {
		c.CrashLines = 500
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir()
	}
	if strings.TrimSpace(c.ModulesDir) == "" {
		c.ModulesDir = filepath.Join(c.DataDir, "modules")
	}
	return nil
}

// Backend returns the effective endpoints, honouring explicit overrides.
func (c LauncherConfig) Backend() BackendURLs {
	urls := URLsForDomain(c.Domain)
	if s := strings.TrimRight(strings.TrimSpace(c.APIURL), "/"); s != "" {
		urls.API = s
	}
	if s := strings.TrimRight(strings.TrimSpace(c.WSURL), "/"); s != "" {
		urls.WS = s
	}
	return urls
}

func (c LauncherConfig) SessionDir() string  { return filepath.Join(c.DataDir, "session") }
func (c LauncherConfig) RunStateDir() string { return filepath.Join(c.DataDir, "run_state") }
func (c LauncherConfig) CrashDir() string    { return filepath.Join(c.DataDir, "crash") }
func (c LauncherConfig) ContentRoot() string { return filepath.Join(c.DataDir, "content") }
func (c LauncherConfig) CachePath() string   { return filepath.Join(c.DataDir, "shipgo.db") }
