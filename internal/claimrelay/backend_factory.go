package claimrelay

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// BuildBackendFromDSN picks a Backend by DSN scheme: memory://, sqlite://path
// or postgres://. An empty DSN yields the in-memory backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := sqlitePath(dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
		}
		return NewSQLiteBackend(path)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

// sqlitePath keeps everything after the scheme so that relative paths and
// driver query parameters survive: sqlite://data/claimrelay.db?_pragma=...
func sqlitePath(dsn string) (string, error) {
	idx := strings.Index(dsn, "://")
	if idx < 0 {
		return "", ErrInvalidInput
	}
	path := strings.TrimSpace(dsn[idx+3:])
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
