package claimrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLBackend persists every table in a relational store. Postgres is the
// production target; SQLite serves single-node deployments and tests. Counter
// issuance and the claim CAS rely on the database's atomic statements, so the
// guarantees hold across processes sharing one database.
type SQLBackend struct {
	dsn         string
	dialect     sqlDialect
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{dsn: dsn, dialect: postgresDialect, openDB: sql.Open}, nil
}

// NewSQLiteBackend opens path with the pure-Go SQLite driver. ":memory:" keeps
// the database in the single pooled connection.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{dsn: path, dialect: sqliteDialect, openDB: sql.Open}, nil
}

func (b *SQLBackend) Name() string {
	return b.dialect.name
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Ready opens the database and applies the schema. Every other method calls it
// lazily; callers use it to fail fast at startup.
func (b *SQLBackend) Ready() error {
	return b.ensureReady()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.singleWriter {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, pragma := range b.dialect.pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("apply %q: %w", pragma, err)
				return
			}
		}
		for _, stmt := range b.schemaStatements() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("apply schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) table(name string) string {
	return quoteIdentifier(b.tablePrefix + name)
}

func (b *SQLBackend) index(name string) string {
	return quoteIdentifier(b.tablePrefix + name)
}

func (b *SQLBackend) schemaStatements() []string {
	ts := b.dialect.timestampType
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				category TEXT NOT NULL,
				date_key TEXT NOT NULL,
				current_value BIGINT NOT NULL,
				PRIMARY KEY (category, date_key)
			)`, b.table("counters")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				contact_name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				company TEXT NOT NULL DEFAULT '',
				source TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				created_by TEXT NOT NULL DEFAULT '',
				is_claimed BOOLEAN NOT NULL DEFAULT FALSE,
				claimed_by TEXT,
				claimed_at %s,
				created_at %s NOT NULL
			)`, b.table("leads"), ts, ts),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (is_claimed, created_at)",
			b.index("leads_unclaimed_idx"), b.table("leads")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				lead_id TEXT NOT NULL REFERENCES %s (id),
				code TEXT NOT NULL UNIQUE,
				contact_name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				company TEXT NOT NULL DEFAULT '',
				source TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				owner_id TEXT NOT NULL,
				assigned_to TEXT,
				is_assigned BOOLEAN NOT NULL DEFAULT FALSE,
				is_complete BOOLEAN NOT NULL DEFAULT FALSE,
				extra TEXT NOT NULL DEFAULT '{}',
				created_at %s NOT NULL
			)`, b.table("inquiries"), b.table("leads"), ts),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (lead_id)",
			b.index("inquiries_lead_idx"), b.table("inquiries")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				actor_id TEXT NOT NULL,
				type TEXT NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL,
				related_entity_type TEXT NOT NULL DEFAULT '',
				related_entity_id TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				is_read BOOLEAN NOT NULL DEFAULT FALSE,
				read_at %s,
				created_at %s NOT NULL
			)`, b.table("notifications"), ts, ts),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (actor_id, is_read, created_at)",
			b.index("notifications_actor_idx"), b.table("notifications")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				actor_id TEXT NOT NULL,
				action TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				details TEXT NOT NULL DEFAULT '{}',
				at %s NOT NULL
			)`, b.table("activity_log"), ts),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (entity_type, entity_id, at)",
			b.index("activity_log_entity_idx"), b.table("activity_log")),
	}
}

func (b *SQLBackend) conn() (sqlExecer, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.db, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

func (b *SQLBackend) NextCounterValue(ctx context.Context, category, dateKey string) (int64, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	return b.nextCounterValue(ctx, db, category, dateKey)
}

func (b *SQLBackend) nextCounterValue(ctx context.Context, db sqlExecer, category, dateKey string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	counters := b.table("counters")
	query := b.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (category, date_key, current_value)
		VALUES (?, ?, 1)
		ON CONFLICT (category, date_key)
		DO UPDATE SET current_value = %s.current_value + 1
		RETURNING current_value`, counters, counters))
	var value int64
	if err := db.QueryRowContext(ctx, query, category, dateKey).Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}

const leadColumns = "id, contact_name, email, phone, company, source, message, created_by, is_claimed, claimed_by, claimed_at, created_at"

func (b *SQLBackend) CreateLead(ctx context.Context, lead Lead) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", b.table("leads"), leadColumns))
	_, err = db.ExecContext(ctx, query, b.dialect.args(
		lead.ID, lead.ContactName, lead.Email, lead.Phone, lead.Company, lead.Source, lead.Message, lead.CreatedBy,
		lead.IsClaimed, nullableString(lead.ClaimedBy), lead.ClaimedAt, lead.CreatedAt,
	)...)
	return err
}

func (b *SQLBackend) GetLead(ctx context.Context, id string) (Lead, error) {
	db, err := b.conn()
	if err != nil {
		return Lead{}, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", leadColumns, b.table("leads")))
	lead, err := scanLead(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	return lead, err
}

func (b *SQLBackend) ListLeads(ctx context.Context, filter LeadFilter) ([]Lead, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s", leadColumns, b.table("leads"))
	args := []any{}
	if filter.UnclaimedOnly {
		query += " WHERE is_claimed = ?"
		args = append(args, b.dialect.arg(false))
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (Lead, error) {
	var lead Lead
	var claimedBy sql.NullString
	var claimedAt, createdAt sqlTime
	if err := row.Scan(
		&lead.ID, &lead.ContactName, &lead.Email, &lead.Phone, &lead.Company, &lead.Source, &lead.Message,
		&lead.CreatedBy, &lead.IsClaimed, &claimedBy, &claimedAt, &createdAt,
	); err != nil {
		return Lead{}, err
	}
	lead.ClaimedBy = claimedBy.String
	lead.ClaimedAt = claimedAt.ptr()
	lead.CreatedAt = createdAt.Time
	return lead, nil
}

const inquiryColumns = "id, lead_id, code, contact_name, email, phone, company, source, message, owner_id, assigned_to, is_assigned, is_complete, extra, created_at"

func (b *SQLBackend) InsertInquiry(ctx context.Context, inquiry Inquiry) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	return b.insertInquiry(ctx, db, inquiry)
}

func (b *SQLBackend) insertInquiry(ctx context.Context, db sqlExecer, inquiry Inquiry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	extra, err := marshalJSONColumn(inquiry.Extra)
	if err != nil {
		return fmt.Errorf("%w: inquiry extra: %v", ErrInvalidInput, err)
	}
	query := b.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", b.table("inquiries"), inquiryColumns))
	_, err = db.ExecContext(ctx, query, b.dialect.args(
		inquiry.ID, inquiry.LeadID, inquiry.Code, inquiry.ContactName, inquiry.Email, inquiry.Phone, inquiry.Company,
		inquiry.Source, inquiry.Message, inquiry.OwnerID, nullableString(inquiry.AssignedTo), inquiry.IsAssigned,
		inquiry.IsComplete, extra, inquiry.CreatedAt,
	)...)
	return err
}

func (b *SQLBackend) DeleteInquiry(ctx context.Context, id string) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", b.table("inquiries")))
	_, err = db.ExecContext(ctx, query, id)
	return err
}

func (b *SQLBackend) GetInquiry(ctx context.Context, id string) (Inquiry, error) {
	return b.getInquiryWhere(ctx, "id", id)
}

func (b *SQLBackend) GetInquiryByCode(ctx context.Context, code string) (Inquiry, error) {
	return b.getInquiryWhere(ctx, "code", code)
}

func (b *SQLBackend) getInquiryWhere(ctx context.Context, column, value string) (Inquiry, error) {
	db, err := b.conn()
	if err != nil {
		return Inquiry{}, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", inquiryColumns, b.table("inquiries"), column))
	inquiry, err := scanInquiry(db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Inquiry{}, ErrNotFound
	}
	return inquiry, err
}

func (b *SQLBackend) ListInquiriesByLead(ctx context.Context, leadID string) ([]Inquiry, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE lead_id = ? ORDER BY code ASC", inquiryColumns, b.table("inquiries")))
	rows, err := db.QueryContext(ctx, query, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Inquiry, 0)
	for rows.Next() {
		inquiry, err := scanInquiry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inquiry)
	}
	return out, rows.Err()
}

// ListOrphanCandidates relies on claimed_at and created_at being written from
// the same instant by a successful claim.
func (b *SQLBackend) ListOrphanCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Inquiry, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s i LEFT JOIN %s l ON l.id = i.lead_id
		WHERE i.created_at < ? AND (
			l.id IS NULL OR l.is_claimed = ? OR l.claimed_by IS NULL OR l.claimed_by <> i.owner_id
			OR l.claimed_at IS NULL OR l.claimed_at <> i.created_at)
		ORDER BY i.created_at ASC, i.id ASC`,
		"i."+strings.ReplaceAll(inquiryColumns, ", ", ", i."), b.table("inquiries"), b.table("leads"))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.QueryContext(ctx, b.dialect.rebind(query), b.dialect.args(cutoff, false)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Inquiry, 0)
	for rows.Next() {
		inquiry, err := scanInquiry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inquiry)
	}
	return out, rows.Err()
}

func scanInquiry(row rowScanner) (Inquiry, error) {
	var inquiry Inquiry
	var assignedTo, extra sql.NullString
	var createdAt sqlTime
	if err := row.Scan(
		&inquiry.ID, &inquiry.LeadID, &inquiry.Code, &inquiry.ContactName, &inquiry.Email, &inquiry.Phone,
		&inquiry.Company, &inquiry.Source, &inquiry.Message, &inquiry.OwnerID, &assignedTo, &inquiry.IsAssigned,
		&inquiry.IsComplete, &extra, &createdAt,
	); err != nil {
		return Inquiry{}, err
	}
	inquiry.AssignedTo = assignedTo.String
	inquiry.CreatedAt = createdAt.Time
	parsed, err := unmarshalJSONColumn(extra)
	if err != nil {
		return Inquiry{}, err
	}
	inquiry.Extra = parsed
	return inquiry, nil
}

var conditionalColumns = map[string]struct {
	table   string
	columns map[string]struct{}
}{
	EntityLead: {
		table: "leads",
		columns: map[string]struct{}{
			FieldIsClaimed: {},
			FieldClaimedBy: {},
			FieldClaimedAt: {},
		},
	},
}

func (b *SQLBackend) ConditionalUpdate(ctx context.Context, t Transition) (bool, error) {
	db, err := b.conn()
	if err != nil {
		return false, err
	}
	return b.conditionalUpdate(ctx, db, t)
}

// conditionalUpdate issues UPDATE … SET … WHERE id = ? AND <expectations> and
// reports whether exactly the target row was changed.
func (b *SQLBackend) conditionalUpdate(ctx context.Context, db sqlExecer, t Transition) (bool, error) {
	target, ok := conditionalColumns[t.Entity]
	if !ok {
		return false, fmt.Errorf("%w: conditional update on %q", ErrNotImplemented, t.Entity)
	}
	if len(t.Set) == 0 {
		return false, fmt.Errorf("%w: empty transition", ErrInvalidInput)
	}
	setColumns := sortedKeys(t.Set)
	expectColumns := sortedKeys(t.Expect)
	for _, column := range append(append([]string{}, setColumns...), expectColumns...) {
		if _, allowed := target.columns[column]; !allowed {
			return false, fmt.Errorf("%w: column %q is not updatable on %s", ErrInvalidInput, column, t.Entity)
		}
	}

	args := make([]any, 0, len(setColumns)+len(expectColumns)+1)
	assignments := make([]string, 0, len(setColumns))
	for _, column := range setColumns {
		assignments = append(assignments, quoteIdentifier(column)+" = ?")
		args = append(args, b.dialect.arg(t.Set[column]))
	}
	conditions := []string{"id = ?"}
	args = append(args, t.ID)
	for _, column := range expectColumns {
		if t.Expect[column] == nil {
			conditions = append(conditions, quoteIdentifier(column)+" IS NULL")
			continue
		}
		conditions = append(conditions, quoteIdentifier(column)+" = ?")
		args = append(args, b.dialect.arg(t.Expect[column]))
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := b.dialect.rebind(fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		b.table(target.table), strings.Join(assignments, ", "), strings.Join(conditions, " AND ")))
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *SQLBackend) AppendActivity(ctx context.Context, entry ActivityEntry) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	return b.appendActivity(ctx, db, entry)
}

func (b *SQLBackend) appendActivity(ctx context.Context, db sqlExecer, entry ActivityEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	details, err := marshalJSONColumn(entry.Details)
	if err != nil {
		return fmt.Errorf("%w: activity details: %v", ErrInvalidInput, err)
	}
	query := b.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (id, actor_id, action, entity_type, entity_id, details, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		b.table("activity_log")))
	_, err = db.ExecContext(ctx, query, b.dialect.args(
		entry.ID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, details, entry.At,
	)...)
	return err
}

func (b *SQLBackend) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	conditions := []string{}
	args := []any{}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	query := fmt.Sprintf("SELECT id, actor_id, action, entity_type, entity_id, details, at FROM %s", b.table("activity_log"))
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ActivityEntry, 0)
	for rows.Next() {
		var entry ActivityEntry
		var details sql.NullString
		var at sqlTime
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.Action, &entry.EntityType, &entry.EntityID, &details, &at); err != nil {
			return nil, err
		}
		entry.At = at.Time
		if entry.Details, err = unmarshalJSONColumn(details); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

const notificationColumns = "id, actor_id, type, title, message, related_entity_type, related_entity_id, metadata, is_read, read_at, created_at"

func (b *SQLBackend) InsertNotification(ctx context.Context, n Notification) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := marshalJSONColumn(n.Metadata)
	if err != nil {
		return fmt.Errorf("%w: notification metadata: %v", ErrInvalidInput, err)
	}
	query := b.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", b.table("notifications"), notificationColumns))
	_, err = db.ExecContext(ctx, query, b.dialect.args(
		n.ID, n.ActorID, n.Type, n.Title, n.Message, n.RelatedEntityType, n.RelatedEntityID, metadata,
		n.IsRead, n.ReadAt, n.CreatedAt,
	)...)
	return err
}

func (b *SQLBackend) ListNotifications(ctx context.Context, actorID string, opts NotificationListOptions) ([]Notification, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE actor_id = ?", notificationColumns, b.table("notifications"))
	args := []any{actorID}
	if opts.UnreadOnly {
		query += " AND is_read = ?"
		args = append(args, b.dialect.arg(false))
	}
	if !opts.Before.IsZero() {
		query += " AND created_at < ?"
		args = append(args, b.dialect.arg(opts.Before))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	rows, err := db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var metadata sql.NullString
	var readAt, createdAt sqlTime
	if err := row.Scan(
		&n.ID, &n.ActorID, &n.Type, &n.Title, &n.Message, &n.RelatedEntityType, &n.RelatedEntityID,
		&metadata, &n.IsRead, &readAt, &createdAt,
	); err != nil {
		return Notification{}, err
	}
	n.ReadAt = readAt.ptr()
	n.CreatedAt = createdAt.Time
	parsed, err := unmarshalJSONColumn(metadata)
	if err != nil {
		return Notification{}, err
	}
	n.Metadata = parsed
	return n, nil
}

func (b *SQLBackend) CountUnread(ctx context.Context, actorID string) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE actor_id = ? AND is_read = ?", b.table("notifications")))
	var count int
	if err := db.QueryRowContext(ctx, query, actorID, b.dialect.arg(false)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (b *SQLBackend) MarkNotificationRead(ctx context.Context, actorID, id string, at time.Time) (Notification, error) {
	db, err := b.conn()
	if err != nil {
		return Notification{}, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	update := b.dialect.rebind(fmt.Sprintf(
		"UPDATE %s SET is_read = ?, read_at = ? WHERE id = ? AND actor_id = ? AND is_read = ?", b.table("notifications")))
	if _, err := db.ExecContext(ctx, update, b.dialect.args(true, at, id, actorID, false)...); err != nil {
		return Notification{}, err
	}
	query := b.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND actor_id = ?", notificationColumns, b.table("notifications")))
	n, err := scanNotification(db.QueryRowContext(ctx, query, id, actorID))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

func (b *SQLBackend) MarkAllNotificationsRead(ctx context.Context, actorID string, at time.Time) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf(
		"UPDATE %s SET is_read = ?, read_at = ? WHERE actor_id = ? AND is_read = ?", b.table("notifications")))
	result, err := db.ExecContext(ctx, query, b.dialect.args(true, at, actorID, false)...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (b *SQLBackend) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := b.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE is_read = ? AND created_at < ?", b.table("notifications")))
	result, err := db.ExecContext(ctx, query, b.dialect.args(true, cutoff)...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (b *SQLBackend) WithinTx(ctx context.Context, fn func(tx ClaimTx) error) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{backend: b, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type sqlTx struct {
	backend *SQLBackend
	tx      *sql.Tx
}

func (t *sqlTx) NextCounterValue(ctx context.Context, category, dateKey string) (int64, error) {
	return t.backend.nextCounterValue(ctx, t.tx, category, dateKey)
}

func (t *sqlTx) ConditionalUpdate(ctx context.Context, transition Transition) (bool, error) {
	return t.backend.conditionalUpdate(ctx, t.tx, transition)
}

func (t *sqlTx) InsertInquiry(ctx context.Context, inquiry Inquiry) error {
	return t.backend.insertInquiry(ctx, t.tx, inquiry)
}

func (t *sqlTx) AppendActivity(ctx context.Context, entry ActivityEntry) error {
	return t.backend.appendActivity(ctx, t.tx, entry)
}
