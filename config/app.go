package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the engine tunables. Values come from defaults, then the
// YAML file named by SCRIBE_CONFIG, then SCRIBE_* environment variables.
type AppConfig struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Storage  StorageConfig  `yaml:"storage"`
	Finalize FinalizeConfig `yaml:"finalize"`
	WS       WSConfig       `yaml:"websocket"`
	Cache    CacheConfig    `yaml:"cache"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SessionConfig struct {
	MaxSessions       int           `yaml:"max_sessions"`
	Shards            int           `yaml:"shards"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxRecording      time.Duration `yaml:"max_recording"`
}

type AdapterConfig struct {
	// google or fake
	Provider        string        `yaml:"provider"`
	Language        string        `yaml:"language"`
	CredentialsFile string        `yaml:"credentials_file"`
	OpenTimeout     time.Duration `yaml:"open_timeout"`
	ForwardAttempts int           `yaml:"forward_attempts"`
	ForwardBackoff  time.Duration `yaml:"forward_backoff"`
	FakeText        string        `yaml:"fake_text"`
}

type StorageConfig struct {
	// gcs or local
	Backend      string        `yaml:"backend"`
	Bucket       string        `yaml:"bucket"`
	LocalDir     string        `yaml:"local_dir"`
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
}

type FinalizeConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	ReadLimit      int64         `yaml:"read_limit"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Session: SessionConfig{
			MaxSessions:       100,
			Shards:            32,
			IdleTimeout:       5 * time.Minute,
			SweepInterval:     time.Minute,
			HeartbeatInterval: 30 * time.Second,
			MaxRecording:      30 * time.Minute,
		},
		Adapter: AdapterConfig{
			Provider:        "google",
			Language:        "en-US",
			OpenTimeout:     10 * time.Second,
			ForwardAttempts: 3,
			ForwardBackoff:  100 * time.Millisecond,
		},
		Storage: StorageConfig{
			Backend:      "local",
			LocalDir:     "./recordings",
			SignedURLTTL: 15 * time.Minute,
		},
		Finalize: FinalizeConfig{Workers: 4, QueueSize: 64, Timeout: 2 * time.Minute},
		WS: WSConfig{
			ReadLimit: 1 << 20,
			PongWait:  75 * time.Second,
			WriteWait: 10 * time.Second,
		},
		Cache: CacheConfig{TTL: 10 * time.Minute},
	}
}

var App = DefaultAppConfig()

// InitApp loads App from SCRIBE_CONFIG and the environment.
func InitApp() error {
	cfg, err := LoadApp(os.Getenv("SCRIBE_CONFIG"))
	if err != nil {
		return err
	}
	App = cfg
	return nil
}

// LoadApp reads path (optional) over the defaults and applies environment
// overrides.
func LoadApp(path string) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *AppConfig) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	// PORT is what the hosting platform sets
	if v, ok := lookup("PORT"); ok && v != "" {
		c.HTTP.Addr = ":" + v
	}
	str("SCRIBE_HTTP_ADDR", &c.HTTP.Addr)
	dur("SCRIBE_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	num("SCRIBE_MAX_SESSIONS", &c.Session.MaxSessions)
	num("SCRIBE_REGISTRY_SHARDS", &c.Session.Shards)
	dur("SCRIBE_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	dur("SCRIBE_SWEEP_INTERVAL", &c.Session.SweepInterval)
	dur("SCRIBE_HEARTBEAT_INTERVAL", &c.Session.HeartbeatInterval)
	dur("SCRIBE_MAX_RECORDING", &c.Session.MaxRecording)

	str("SCRIBE_STT_PROVIDER", &c.Adapter.Provider)
	str("SCRIBE_STT_LANGUAGE", &c.Adapter.Language)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Adapter.CredentialsFile)
	dur("SCRIBE_STT_OPEN_TIMEOUT", &c.Adapter.OpenTimeout)
	num("SCRIBE_FORWARD_ATTEMPTS", &c.Adapter.ForwardAttempts)
	dur("SCRIBE_FORWARD_BACKOFF", &c.Adapter.ForwardBackoff)

	if v, ok := lookup("GCS_BUCKET"); ok && v != "" {
		c.Storage.Bucket = v
		c.Storage.Backend = "gcs"
	}
	str("SCRIBE_STORAGE_BACKEND", &c.Storage.Backend)
	str("SCRIBE_LOCAL_DIR", &c.Storage.LocalDir)
	dur("SCRIBE_SIGNED_URL_TTL", &c.Storage.SignedURLTTL)

	num("SCRIBE_FINALIZE_WORKERS", &c.Finalize.Workers)
	num("SCRIBE_FINALIZE_QUEUE", &c.Finalize.QueueSize)
	dur("SCRIBE_FINALIZE_TIMEOUT", &c.Finalize.Timeout)

	if v, ok := lookup("SCRIBE_ALLOWED_ORIGINS"); ok && v != "" {
		c.WS.AllowedOrigins = splitList(v)
	}
	dur("SCRIBE_CACHE_TTL", &c.Cache.TTL)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *AppConfig) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr cannot be empty")
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1, got %d", c.Session.MaxSessions)
	}
	if c.Session.Shards < 1 {
		return fmt.Errorf("session.shards must be at least 1, got %d", c.Session.Shards)
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return errors.New("session.idle_timeout and session.sweep_interval must be positive")
	}
	if c.Session.SweepInterval > c.Session.IdleTimeout {
		return fmt.Errorf("session.sweep_interval (%s) must not exceed session.idle_timeout (%s)",
			c.Session.SweepInterval, c.Session.IdleTimeout)
	}
	if c.Session.HeartbeatInterval <= 0 {
		return errors.New("session.heartbeat_interval must be positive")
	}
	if c.Session.MaxRecording <= 0 {
		return errors.New("session.max_recording must be positive")
	}
	if c.WS.PongWait <= c.Session.HeartbeatInterval {
		return fmt.Errorf("websocket.pong_wait (%s) must exceed session.heartbeat_interval (%s)",
			c.WS.PongWait, c.Session.HeartbeatInterval)
	}

	switch c.Adapter.Provider {
	case "google", "fake":
	default:
		return fmt.Errorf("adapter.provider must be google or fake, got %q", c.Adapter.Provider)
	}
	if c.Adapter.OpenTimeout <= 0 {
		return errors.New("adapter.open_timeout must be positive")
	}
	if c.Adapter.ForwardAttempts < 1 {
		return fmt.Errorf("adapter.forward_attempts must be at least 1, got %d", c.Adapter.ForwardAttempts)
	}

	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs or local, got %q", c.Storage.Backend)
	}

	if c.Finalize.Workers < 1 {
		return fmt.Errorf("finalize.workers must be at least 1, got %d", c.Finalize.Workers)
	}
	if c.Finalize.Timeout <= 0 {
		return errors.New("finalize.timeout must be positive")
	}
	if c.WS.ReadLimit < 1024 {
		return fmt.Errorf("websocket.read_limit must be at least 1024 bytes, got %d", c.WS.ReadLimit)
	}
	return nil
}
