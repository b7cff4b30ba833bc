package claimrelay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so that lexical order on the TEXT column
// matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqlDialect struct {
	name          string
	driver        string
	timestampType string
	numbered      bool
	singleWriter  bool
	pragmas       []string
}

var (
	postgresDialect = sqlDialect{
		name:          "postgres",
		driver:        "postgres",
		timestampType: "TIMESTAMPTZ",
		numbered:      true,
	}
	sqliteDialect = sqlDialect{
		name:          "sqlite",
		driver:        "sqlite",
		timestampType: "TEXT",
		singleWriter:  true,
		pragmas: []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		},
	}
)

// rebind rewrites ? placeholders into the dialect's native form.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d sqlDialect) arg(value any) any {
	switch v := value.(type) {
	case time.Time:
		if d.name == "sqlite" {
			return v.UTC().Format(sqliteTimeLayout)
		}
		return v.UTC()
	case *time.Time:
		if v == nil {
			return nil
		}
		return d.arg(*v)
	case bool:
		if d.name == "sqlite" {
			if v {
				return int64(1)
			}
			return int64(0)
		}
		return v
	default:
		return value
	}
}

func (d sqlDialect) args(values ...any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = d.arg(v)
	}
	return out
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// sqlTime scans TIMESTAMPTZ values from Postgres and RFC3339 text from SQLite.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqlTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (t *sqlTime) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time, t.Valid = time.Time{}, false
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", raw)
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshalJSONColumn(value map[string]any) (string, error) {
	if len(value) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" || raw.String == "{}" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
