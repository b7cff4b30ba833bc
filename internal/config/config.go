package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CLAIMRELAY_"

// DevJWTSecret is the signing secret used when none is configured. Anyone can
// mint tokens with it, so the production profile refuses it.
const DevJWTSecret = "dev-secret"

type Config struct {
	Addr      string          `yaml:"addr"`
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Claim     ClaimConfig     `yaml:"claim"`
	Auth      AuthConfig      `yaml:"auth"`
	HTTP      HTTPConfig      `yaml:"http"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Routing   RoutingConfig   `yaml:"routing"`
	Retention RetentionConfig `yaml:"retention"`
}

// StorageConfig picks the persistence backend. An explicit BackendDSN wins
// over the DSN derived from Profile.
type StorageConfig struct {
	Profile     string `yaml:"profile"`
	DataDir     string `yaml:"data_dir"`
	BackendDSN  string `yaml:"backend_dsn"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type DispatchConfig struct {
	QueueDSN  string `yaml:"queue_dsn"`
	QueueSize int    `yaml:"queue_size"`
	Backlog   int    `yaml:"backlog"`
	Workers   int    `yaml:"workers"`
}

type ClaimConfig struct {
	Strategy string `yaml:"strategy"`
	TimeZone string `yaml:"time_zone"`
	// OrphanGrace is how old an inquiry without a matching claim must be
	// before the sweep deletes it.
	OrphanGrace time.Duration `yaml:"orphan_grace"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

type HTTPConfig struct {
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type RealtimeConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	SendBuffer       int           `yaml:"send_buffer"`
	BackplaneDSN     string        `yaml:"backplane_dsn"`
	BackplaneChannel string        `yaml:"backplane_channel"`
}

type RoutingConfig struct {
	RulesFile string `yaml:"rules_file"`
}

type RetentionConfig struct {
	ReadOlderThan time.Duration `yaml:"read_older_than"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func Default() Config {
	return Config{
		Addr: ":8080",
		Storage: StorageConfig{
			DataDir: ".claimrelay",
		},
		Dispatch: DispatchConfig{
			QueueSize: 1024,
			Backlog:   1024,
			Workers:   2,
		},
		Claim: ClaimConfig{
			Strategy:    "transactional",
			TimeZone:    "UTC",
			OrphanGrace: 10 * time.Minute,
		},
		Auth: AuthConfig{
			JWTSecret: DevJWTSecret,
			Audience:  "claimrelay",
		},
		HTTP: HTTPConfig{
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
		},
		Realtime: RealtimeConfig{
			PingInterval: 25 * time.Second,
			PingTimeout:  10 * time.Second,
			SendBuffer:   64,
		},
		Retention: RetentionConfig{
			ReadOlderThan: 30 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then CLAIMRELAY_* variables. Invalid
// numeric or duration variables are logged and ignored.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	env := envReader{lookup: os.LookupEnv, logger: logger}
	env.apply(&cfg)
	if err := cfg.resolveProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Claim.Strategy {
	case "transactional", "compensating":
	default:
		return fmt.Errorf("unsupported claim strategy %q", c.Claim.Strategy)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Claim.OrphanGrace <= 0 {
		return errors.New("claim.orphan_grace must be positive")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret must not be empty")
	}
	if c.UsesDevSecret() && isProductionProfile(c.Storage.Profile) {
		return fmt.Errorf("auth.jwt_secret (%sJWT_SECRET) must be set for the %s profile", envPrefix, c.Storage.Profile)
	}
	if c.Dispatch.QueueSize < 0 || c.Dispatch.Backlog < 0 || c.Dispatch.Workers < 0 {
		return errors.New("dispatch queue size, backlog and workers must not be negative")
	}
	if c.Realtime.PingTimeout > 0 && c.Realtime.PingInterval > 0 && c.Realtime.PingTimeout >= c.Realtime.PingInterval {
		return fmt.Errorf("realtime.ping_timeout (%s) must be shorter than realtime.ping_interval (%s)", c.Realtime.PingTimeout, c.Realtime.PingInterval)
	}
	return nil
}

// UsesDevSecret reports whether tokens are verified with the built-in
// development secret.
func (c Config) UsesDevSecret() bool {
	return strings.TrimSpace(c.Auth.JWTSecret) == DevJWTSecret
}

func isProductionProfile(profile string) bool {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "production", "prod":
		return true
	}
	return false
}

func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Claim.TimeZone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid claim.time_zone %q: %w", name, err)
	}
	return loc, nil
}

// resolveProfile fills storage and queue DSNs that were left empty from the
// named profile.
func (c *Config) resolveProfile() error {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".claimrelay"
	}
	var backendDSN, queueDSN string
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		backendDSN, queueDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		backendDSN = "sqlite://" + filepath.Join(dataDir, "claimrelay.db")
		queueDSN = "file://" + filepath.Join(dataDir, "dispatch-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.PostgresDSN)
		if dsn == "" {
			return fmt.Errorf("storage.postgres_dsn (%sPOSTGRES_DSN) is required when the storage profile is %s", envPrefix, profile)
		}
		backendDSN, queueDSN = dsn, dsn
	default:
		return fmt.Errorf("unsupported storage profile: %s", profile)
	}
	if strings.TrimSpace(c.Storage.BackendDSN) == "" {
		c.Storage.BackendDSN = backendDSN
	}
	if strings.TrimSpace(c.Dispatch.QueueDSN) == "" {
		c.Dispatch.QueueDSN = queueDSN
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

func (e envReader) apply(cfg *Config) {
	e.str("ADDR", &cfg.Addr)
	e.str("BACKEND_PROFILE", &cfg.Storage.Profile)
	e.str("DATA_DIR", &cfg.Storage.DataDir)
	e.str("BACKEND_DSN", &cfg.Storage.BackendDSN)
	e.str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	e.str("DISPATCH_QUEUE_DSN", &cfg.Dispatch.QueueDSN)
	e.int("DISPATCH_QUEUE_SIZE", &cfg.Dispatch.QueueSize)
	e.int("DISPATCH_BACKLOG", &cfg.Dispatch.Backlog)
	e.int("DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	e.str("CLAIM_STRATEGY", &cfg.Claim.Strategy)
	e.str("TIME_ZONE", &cfg.Claim.TimeZone)
	e.duration("CLAIM_ORPHAN_GRACE", &cfg.Claim.OrphanGrace)
	e.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.str("JWT_AUDIENCE", &cfg.Auth.Audience)
	e.int("RATE_LIMIT_MAX", &cfg.HTTP.RateLimitMax)
	e.duration("RATE_LIMIT_WINDOW", &cfg.HTTP.RateLimitWindow)
	e.int64("MAX_BODY_BYTES", &cfg.HTTP.MaxBodyBytes)
	e.duration("PING_INTERVAL", &cfg.Realtime.PingInterval)
	e.duration("PING_TIMEOUT", &cfg.Realtime.PingTimeout)
	e.int("SEND_BUFFER", &cfg.Realtime.SendBuffer)
	e.str("BACKPLANE_DSN", &cfg.Realtime.BackplaneDSN)
	e.str("BACKPLANE_CHANNEL", &cfg.Realtime.BackplaneChannel)
	e.str("ROUTING_RULES_FILE", &cfg.Routing.RulesFile)
	e.duration("RETENTION_READ_OLDER_THAN", &cfg.Retention.ReadOlderThan)
	e.duration("SWEEP_INTERVAL", &cfg.Retention.SweepInterval)
}

func (e envReader) raw(name string) (string, bool) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (e envReader) str(name string, dst *string) {
	if raw, ok := e.raw(name); ok {
		*dst = raw
	}
}

func (e envReader) int(name string, dst *int) {
	raw, ok := e.raw(name)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("invalid environment value, keeping fallback", "name", envPrefix+name, "value", raw, "fallback", *dst)
		return
	}
	*dst = value
}

func (e envReader) int64(name string, dst *int64) {
	raw, ok := e.raw(name)
	if !ok {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("invalid environment value, keeping fallback", "name", envPrefix+name, "value", raw, "fallback", *dst)
		return
	}
	*dst = value
}

func (e envReader) duration(name string, dst *time.Duration) {
	raw, ok := e.raw(name)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn("invalid environment value, keeping fallback", "name", envPrefix+name, "value", raw, "fallback", dst.String())
		return
	}
	*dst = value
}
