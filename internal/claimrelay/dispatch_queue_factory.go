package claimrelay

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildDispatchQueueFromDSN returns nil for an empty DSN; the dispatcher then
// falls back to an in-memory queue.
func BuildDispatchQueueFromDSN(dsn string, capacity int) (DispatchQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupDispatchQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileDispatchQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryDispatchQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresDispatchQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: dispatch queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported dispatch queue scheme: %s", scheme)
	}
}
