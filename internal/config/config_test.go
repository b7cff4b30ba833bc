package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Claim.Strategy != "transactional" || cfg.Auth.Audience != "claimrelay" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Realtime.PingInterval != 25*time.Second || cfg.Realtime.PingTimeout != 10*time.Second {
		t.Fatalf("unexpected keepalive defaults %+v", cfg.Realtime)
	}
	if cfg.Storage.BackendDSN != "" || cfg.Dispatch.QueueDSN != "" {
		t.Fatalf("expected no storage dsn without a profile, got %+v", cfg.Storage)
	}
}

func TestLoadYAMLThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimrelay.yaml")
	doc := strings.Join([]string{
		"addr: \":9000\"",
		"claim:",
		"  strategy: compensating",
		"  time_zone: Asia/Tokyo",
		"dispatch:",
		"  workers: 4",
		"realtime:",
		"  ping_interval: 30s",
		"  ping_timeout: 5s",
		"retention:",
		"  read_older_than: 48h",
	}, "\n")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLAIMRELAY_ADDR", ":9100")
	t.Setenv("CLAIMRELAY_DISPATCH_WORKERS", "not-a-number")
	t.Setenv("CLAIMRELAY_RATE_LIMIT_MAX", "120")
	t.Setenv("CLAIMRELAY_PING_TIMEOUT", "3s")
	t.Setenv("CLAIMRELAY_DISPATCH_BACKLOG", "64")
	t.Setenv("CLAIMRELAY_CLAIM_ORPHAN_GRACE", "15m")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("expected env to override addr, got %q", cfg.Addr)
	}
	if cfg.Claim.Strategy != "compensating" || cfg.Claim.TimeZone != "Asia/Tokyo" {
		t.Fatalf("unexpected claim config %+v", cfg.Claim)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Fatalf("expected invalid env value to keep yaml workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Backlog != 64 || cfg.Claim.OrphanGrace != 15*time.Minute {
		t.Fatalf("unexpected backlog %d or orphan grace %s", cfg.Dispatch.Backlog, cfg.Claim.OrphanGrace)
	}
	if cfg.HTTP.RateLimitMax != 120 || cfg.HTTP.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	}
	if cfg.Realtime.PingInterval != 30*time.Second || cfg.Realtime.PingTimeout != 3*time.Second {
		t.Fatalf("unexpected realtime config %+v", cfg.Realtime)
	}
	if cfg.Retention.ReadOlderThan != 48*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Retention.ReadOlderThan)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Tokyo" {
		t.Fatalf("unexpected location %v (err=%v)", loc, err)
	}
}

func TestLoadStorageProfiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAIMRELAY_BACKEND_PROFILE", "durable-local")
	t.Setenv("CLAIMRELAY_DATA_DIR", dir)
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load durable-local: %v", err)
	}
	if cfg.Storage.BackendDSN != "sqlite://"+filepath.Join(dir, "claimrelay.db") {
		t.Fatalf("unexpected backend dsn %q", cfg.Storage.BackendDSN)
	}
	if cfg.Dispatch.QueueDSN != "file://"+filepath.Join(dir, "dispatch-queue.json") {
		t.Fatalf("unexpected queue dsn %q", cfg.Dispatch.QueueDSN)
	}

	t.Setenv("CLAIMRELAY_DISPATCH_QUEUE_DSN", "memory://")
	cfg, err = Load("", nil)
	if err != nil {
		t.Fatalf("load with explicit queue: %v", err)
	}
	if cfg.Dispatch.QueueDSN != "memory://" {
		t.Fatalf("expected explicit queue dsn to win, got %q", cfg.Dispatch.QueueDSN)
	}

	t.Setenv("CLAIMRELAY_BACKEND_PROFILE", "production")
	if _, err := Load("", nil); err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected production profile to require a postgres dsn, got %v", err)
	}
	t.Setenv("CLAIMRELAY_POSTGRES_DSN", "postgres://localhost/claimrelay?sslmode=disable")
	if _, err := Load("", nil); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected production profile to refuse the development secret, got %v", err)
	}
	t.Setenv("CLAIMRELAY_JWT_SECRET", "a-real-secret")
	cfg, err = Load("", nil)
	if err != nil {
		t.Fatalf("load production: %v", err)
	}
	if cfg.Storage.BackendDSN != "postgres://localhost/claimrelay?sslmode=disable" {
		t.Fatalf("unexpected production backend dsn %q", cfg.Storage.BackendDSN)
	}

	t.Setenv("CLAIMRELAY_BACKEND_PROFILE", "cloud")
	if _, err := Load("", nil); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Claim.Strategy = "optimistic"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown strategy to fail")
	}
	cfg = Default()
	cfg.Claim.TimeZone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown time zone to fail")
	}
	cfg = Default()
	cfg.Realtime.PingTimeout = cfg.Realtime.PingInterval
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected ping timeout >= interval to fail")
	}
	cfg = Default()
	cfg.Auth.JWTSecret = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected empty jwt secret to fail")
	}
	cfg = Default()
	cfg.Claim.OrphanGrace = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero orphan grace to fail")
	}
	cfg = Default()
	cfg.Dispatch.Backlog = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative backlog to fail")
	}
}

func TestDevSecretIsReported(t *testing.T) {
	cfg := Default()
	if !cfg.UsesDevSecret() {
		t.Fatalf("expected defaults to use the development secret")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected development secret to be allowed outside production: %v", err)
	}
	cfg.Storage.Profile = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected production profile with the development secret to fail")
	}
	cfg.Auth.JWTSecret = "rotated"
	if cfg.UsesDevSecret() {
		t.Fatalf("expected a configured secret not to be reported")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CLAIMRELAY_DOTENV_LOADED=from-file\nCLAIMRELAY_DOTENV_KEEP=from-file\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CLAIMRELAY_DOTENV_KEEP", "from-env")
	t.Setenv("CLAIMRELAY_DOTENV_LOADED", "")
	os.Unsetenv("CLAIMRELAY_DOTENV_LOADED")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("CLAIMRELAY_DOTENV_LOADED"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("CLAIMRELAY_DOTENV_KEEP"); got != "from-env" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}
