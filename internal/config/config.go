package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/prefork/internal/datum"
	"github.com/loykin/prefork/internal/dispatch"
	"github.com/loykin/prefork/internal/history"
	"github.com/loykin/prefork/internal/lock"
	"github.com/loykin/prefork/internal/logger"
)

// EnvPrefix is the prefix of environment variables that override file
// settings, e.g. PREFORK_SERVER_PORT.
const EnvPrefix = "PREFORK"

// Config is the top-level structure of a prefork config file.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Datum   DatumConfig   `mapstructure:"datum"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
	Log     logger.Config `mapstructure:"log"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

type ServerConfig struct {
	Mode               string        `mapstructure:"mode"`
	Name               string        `mapstructure:"name"`
	BindIP             string        `mapstructure:"bind_ip"`
	Port               int           `mapstructure:"port"`
	Service            string        `mapstructure:"service"`
	MaxProc            int           `mapstructure:"max_proc"`
	MinIdle            int           `mapstructure:"min_idle"`
	MaxIdle            int           `mapstructure:"max_idle"`
	MaxRequestsPerProc int           `mapstructure:"max_requests_per_proc"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	ThreadsPerProc     int           `mapstructure:"threads_per_proc"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	Lock               lock.Spec     `mapstructure:"lock"`
}

type DatumConfig struct {
	Service            string        `mapstructure:"service"`
	MaxProc            int           `mapstructure:"max_proc"`
	MinIdle            int           `mapstructure:"min_idle"`
	MaxIdle            int           `mapstructure:"max_idle"`
	MaxRequestsPerProc int           `mapstructure:"max_requests_per_proc"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
}

type AdminConfig struct {
	Enabled   bool       `mapstructure:"enabled"`
	Listen    string     `mapstructure:"listen"`
	Framework string     `mapstructure:"framework"`
	BasePath  string     `mapstructure:"base_path"`
	Auth      AuthConfig `mapstructure:"auth"`
	TLS       TLSConfig  `mapstructure:"tls"`
}

// AuthConfig protects the admin API. With a password hash set, requests
// need basic auth; with a JWT secret set, a bearer token signed with it is
// accepted as well.
type AuthConfig struct {
	Username     string        `mapstructure:"username"`
	PasswordHash string        `mapstructure:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

func (a AuthConfig) Enabled() bool { return a.PasswordHash != "" || a.JWTSecret != "" }

type TLSConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	MaxVersion   string     `mapstructure:"max_version"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS parameterizes the self-signed certificate written when
// auto_generate is set and Dir holds no certificate yet.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	CollectInterval time.Duration `mapstructure:"collect_interval"`
}

// HistoryConfig lists lifecycle event sinks by DSN, e.g.
// sqlite:///var/lib/prefork/history.db or clickhouse://host:9000/default.
type HistoryConfig struct {
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkerConfig is the environment given to the spawn manager and every
// worker on top of the inherited OS environment.
type WorkerConfig struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
}

const (
	ModeHandoff  = dispatch.KindHandoff
	ModeLeader   = dispatch.KindLeader
	ModeThreaded = dispatch.KindThreaded

	FrameworkGin  = "gin"
	FrameworkEcho = "echo"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	args := dispatch.DefaultArgs()
	return &Config{
		Server: ServerConfig{
			Mode:           ModeHandoff,
			BindIP:         "0.0.0.0",
			Port:           7000,
			MaxProc:        args.MaxProc,
			MinIdle:        args.MinIdleProc,
			MaxIdle:        args.MaxIdleProc,
			ReapInterval:   time.Second,
			ThreadsPerProc: 8,
			StopTimeout:    dispatch.DefaultStopTimeout,
			Lock:           lock.Spec{Kind: lock.KindNone},
		},
		Datum: DatumConfig{
			MaxProc:     datum.DefaultMaxProc,
			MinIdle:     1,
			MaxIdle:     args.MaxIdleProc,
			StopTimeout: datum.DefaultStopTimeout,
		},
		Admin: AdminConfig{
			Listen:    "127.0.0.1:7080",
			Framework: FrameworkGin,
			BasePath:  "/api",
			Auth:      AuthConfig{TokenTTL: time.Hour},
		},
		Metrics: MetricsConfig{CollectInterval: 10 * time.Second},
		History: HistoryConfig{Timeout: history.DefaultTimeout},
		Log:     logger.Config{Level: "info", Format: "text"},
	}
}

// setDefaults registers every key so that PREFORK_* variables override them
// even when the file does not mention the key.
func setDefaults(v *viper.Viper, c *Config) {
	s := c.Server
	v.SetDefault("server.mode", s.Mode)
	v.SetDefault("server.name", s.Name)
	v.SetDefault("server.bind_ip", s.BindIP)
	v.SetDefault("server.port", s.Port)
	v.SetDefault("server.service", s.Service)
	v.SetDefault("server.max_proc", s.MaxProc)
	v.SetDefault("server.min_idle", s.MinIdle)
	v.SetDefault("server.max_idle", s.MaxIdle)
	v.SetDefault("server.max_requests_per_proc", s.MaxRequestsPerProc)
	v.SetDefault("server.idle_timeout", s.IdleTimeout)
	v.SetDefault("server.reap_interval", s.ReapInterval)
	v.SetDefault("server.threads_per_proc", s.ThreadsPerProc)
	v.SetDefault("server.stop_timeout", s.StopTimeout)
	v.SetDefault("server.lock.kind", string(s.Lock.Kind))
	v.SetDefault("server.lock.path", s.Lock.Path)

	d := c.Datum
	v.SetDefault("datum.service", d.Service)
	v.SetDefault("datum.max_proc", d.MaxProc)
	v.SetDefault("datum.min_idle", d.MinIdle)
	v.SetDefault("datum.max_idle", d.MaxIdle)
	v.SetDefault("datum.max_requests_per_proc", d.MaxRequestsPerProc)
	v.SetDefault("datum.idle_timeout", d.IdleTimeout)
	v.SetDefault("datum.stop_timeout", d.StopTimeout)

	a := c.Admin
	v.SetDefault("admin.enabled", a.Enabled)
	v.SetDefault("admin.listen", a.Listen)
	v.SetDefault("admin.framework", a.Framework)
	v.SetDefault("admin.base_path", a.BasePath)
	v.SetDefault("admin.auth.username", a.Auth.Username)
	v.SetDefault("admin.auth.password_hash", a.Auth.PasswordHash)
	v.SetDefault("admin.auth.jwt_secret", a.Auth.JWTSecret)
	v.SetDefault("admin.auth.token_ttl", a.Auth.TokenTTL)
	v.SetDefault("admin.tls.enabled", a.TLS.Enabled)
	v.SetDefault("admin.tls.cert_file", a.TLS.CertFile)
	v.SetDefault("admin.tls.key_file", a.TLS.KeyFile)
	v.SetDefault("admin.tls.dir", a.TLS.Dir)
	v.SetDefault("admin.tls.auto_generate", a.TLS.AutoGenerate)
	v.SetDefault("admin.tls.min_version", a.TLS.MinVersion)
	v.SetDefault("admin.tls.max_version", a.TLS.MaxVersion)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.collect_interval", c.Metrics.CollectInterval)
	v.SetDefault("history.timeout", c.History.Timeout)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.file.path", c.Log.File.Path)
	v.SetDefault("log.file.dir", c.Log.File.Dir)
}

// Load reads the TOML or YAML file at path, applies PREFORK_* environment
// overrides, then normalizes and validates the result. An empty path loads
// the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		default:
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() {
	c.Server.Mode = strings.ToLower(strings.TrimSpace(c.Server.Mode))
	if c.Server.Mode == "" {
		c.Server.Mode = ModeHandoff
	}
	args := c.Server.Args()
	c.Server.MaxProc, c.Server.MinIdle, c.Server.MaxIdle = args.MaxProc, args.MinIdleProc, args.MaxIdleProc
	if c.Server.Lock.Kind == "" {
		c.Server.Lock.Kind = lock.KindNone
	}
	c.Admin.Framework = strings.ToLower(c.Admin.Framework)
	if c.Admin.Framework == "" {
		c.Admin.Framework = FrameworkGin
	}
	if c.Admin.BasePath != "" && !strings.HasPrefix(c.Admin.BasePath, "/") {
		c.Admin.BasePath = "/" + c.Admin.BasePath
	}
	c.Admin.BasePath = strings.TrimRight(c.Admin.BasePath, "/")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeHandoff, ModeLeader, ModeThreaded:
	default:
		return fmt.Errorf("server.mode: unknown mode %q", c.Server.Mode)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.MaxRequestsPerProc < 0 || c.Datum.MaxRequestsPerProc < 0 {
		return errors.New("max_requests_per_proc must not be negative")
	}
	if c.Server.Mode == ModeThreaded && c.Server.ThreadsPerProc <= 0 {
		return errors.New("server.threads_per_proc must be positive in threaded mode")
	}
	if err := c.Server.Lock.Validate(); err != nil {
		return fmt.Errorf("server.lock: %w", err)
	}
	if c.Datum.MaxProc < 0 {
		return errors.New("datum.max_proc must not be negative")
	}
	if c.Admin.Enabled {
		if c.Admin.Listen == "" {
			return errors.New("admin.listen is required when admin is enabled")
		}
		switch c.Admin.Framework {
		case FrameworkGin, FrameworkEcho:
		default:
			return fmt.Errorf("admin.framework: unknown framework %q", c.Admin.Framework)
		}
		if err := c.Admin.Auth.validate(); err != nil {
			return err
		}
		if err := c.Admin.TLS.validate(); err != nil {
			return err
		}
	}
	for i, dsn := range c.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("history.sinks[%d] is empty", i)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (a AuthConfig) validate() error {
	if a.PasswordHash != "" {
		if a.Username == "" {
			return errors.New("admin.auth.username is required with password_hash")
		}
		if !strings.HasPrefix(a.PasswordHash, "$2") {
			return errors.New("admin.auth.password_hash must be a bcrypt hash")
		}
	}
	if a.JWTSecret != "" && len(a.JWTSecret) < 16 {
		return errors.New("admin.auth.jwt_secret must be at least 16 bytes")
	}
	return nil
}

func (t TLSConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("admin.tls: cert_file and key_file go together")
	}
	if t.CertFile == "" && t.Dir == "" {
		return errors.New("admin.tls: enabled without cert_file/key_file or dir")
	}
	return nil
}

// Args returns the normalized pool bounds of the server section.
func (s ServerConfig) Args() dispatch.Args {
	return dispatch.Args{MaxProc: s.MaxProc, MaxIdleProc: s.MaxIdle, MinIdleProc: s.MinIdle}.Normalize()
}

// Loop converts the server section into a dispatch loop configuration.
func (c *Config) Loop(env []string, log *slog.Logger, rec *history.Recorder) dispatch.Config {
	s := c.Server
	return dispatch.Config{
		Name:               s.Name,
		BindIP:             s.BindIP,
		Port:               s.Port,
		Service:            s.Service,
		Args:               s.Args(),
		MaxRequestsPerProc: s.MaxRequestsPerProc,
		IdleTimeout:        s.IdleTimeout,
		ReapInterval:       s.ReapInterval,
		Threads:            s.ThreadsPerProc,
		Lock:               s.Lock,
		Env:                env,
		Log:                c.Log,
		StopTimeout:        s.StopTimeout,
		Logger:             log,
		Recorder:           rec,
	}
}

// Dispatcher converts the datum section into a dispatcher configuration.
func (c *Config) Dispatcher(env []string, log *slog.Logger, rec *history.Recorder) datum.Config {
	d := c.Datum
	return datum.Config{
		Service:            d.Service,
		MaxProc:            d.MaxProc,
		MinIdleProc:        d.MinIdle,
		MaxIdleProc:        d.MaxIdle,
		MaxRequestsPerProc: d.MaxRequestsPerProc,
		IdleTimeout:        d.IdleTimeout,
		Env:                env,
		Log:                c.Log,
		StopTimeout:        d.StopTimeout,
		Logger:             log,
		Recorder:           rec,
	}
}

// Environ merges env_files in order, then the env list, into KEY=VALUE
// pairs sorted by key. Later entries win.
func (w WorkerConfig) Environ() ([]string, error) {
	m := make(map[string]string)
	for _, p := range w.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range w.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
