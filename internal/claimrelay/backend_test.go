package claimrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testBase = time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)

var postgresIntegrationCounter uint64

func forEachBackend(t *testing.T, fn func(t *testing.T, backend Backend)) {
	t.Helper()
	for _, name := range []string{"memory", "sqlite", "postgres"} {
		name := name
		t.Run(name, func(t *testing.T) {
			fn(t, openTestBackend(t, name))
		})
	}
}

func openTestBackend(t *testing.T, name string) Backend {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryBackend()
	case "sqlite":
		backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "claimrelay.db"))
		if err != nil {
			t.Fatalf("new sqlite backend: %v", err)
		}
		if err := backend.Ready(); err != nil {
			t.Fatalf("sqlite backend not ready: %v", err)
		}
		t.Cleanup(func() { _ = backend.Close() })
		return backend
	case "postgres":
		dsn := postgresIntegrationDSN(t)
		backend, err := NewPostgresBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres backend: %v", err)
		}
		n := atomic.AddUint64(&postgresIntegrationCounter, 1)
		backend.tablePrefix = fmt.Sprintf("it_%d_%d_", time.Now().UnixNano(), n)
		if err := backend.Ready(); err != nil {
			t.Fatalf("postgres backend not ready: %v", err)
		}
		t.Cleanup(func() {
			_ = backend.Close()
			postgresIntegrationDropTables(t, dsn, backend.tablePrefix,
				"inquiries", "leads", "counters", "notifications", "activity_log")
		})
		return backend
	default:
		t.Fatalf("unknown backend %q", name)
		return nil
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CLAIMRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CLAIMRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationDropTables(t *testing.T, dsn, prefix string, tables ...string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, table := range tables {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdentifier(prefix+table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			t.Fatalf("drop cleanup table %q failed: %v", prefix+table, err)
		}
	}
}

func seedLead(t *testing.T, backend Backend, id string, createdAt time.Time) Lead {
	t.Helper()
	lead := Lead{
		ID:          id,
		ContactName: "Dana Whitfield",
		Email:       "dana@example.com",
		Phone:       "+1 555 0100",
		Company:     "Whitfield Freight",
		Source:      "website",
		Message:     "Need a quote for 40 pallets",
		CreatedBy:   "creator-1",
		CreatedAt:   createdAt,
	}
	if err := backend.CreateLead(context.Background(), lead); err != nil {
		t.Fatalf("create lead %s: %v", id, err)
	}
	return lead
}

func TestNextCounterValueStartsAtOneAndIncrements(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		first, err := backend.NextCounterValue(ctx, CategoryInquiry, "2025-01-31")
		if err != nil {
			t.Fatalf("first next value: %v", err)
		}
		second, err := backend.NextCounterValue(ctx, CategoryInquiry, "2025-01-31")
		if err != nil {
			t.Fatalf("second next value: %v", err)
		}
		if first != 1 || second != 2 {
			t.Fatalf("expected 1 then 2, got %d then %d", first, second)
		}
	})
}

func TestNextCounterValueKeysAreIndependent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		for _, key := range [][2]string{
			{CategoryInquiry, "2025-01-31"},
			{CategoryInquiry, "2025-02-01"},
			{CategoryTicket, "2025-01-31"},
		} {
			got, err := backend.NextCounterValue(ctx, key[0], key[1])
			if err != nil {
				t.Fatalf("next value for %v: %v", key, err)
			}
			if got != 1 {
				t.Fatalf("expected fresh key %v to start at 1, got %d", key, got)
			}
		}
	})
}

func TestNextCounterValueConcurrentCallsAreDistinct(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		const callers = 40
		values := make([]int64, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer wg.Done()
				values[i], errs[i] = backend.NextCounterValue(context.Background(), CategoryInquiry, "2025-01-31")
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("caller %d failed: %v", i, err)
			}
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		for i, v := range values {
			if v != int64(i+1) {
				t.Fatalf("expected values 1..%d, got %v", callers, values)
			}
		}
	})
}

func TestConditionalUpdateFirstWriterWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		seedLead(t, backend, "lead-1", testBase)

		ok, err := backend.ConditionalUpdate(ctx, claimTransition("lead-1", "alice", testBase.Add(time.Minute)))
		if err != nil || !ok {
			t.Fatalf("expected first update to win, ok=%v err=%v", ok, err)
		}
		ok, err = backend.ConditionalUpdate(ctx, claimTransition("lead-1", "bob", testBase.Add(2*time.Minute)))
		if err != nil {
			t.Fatalf("second update errored: %v", err)
		}
		if ok {
			t.Fatalf("expected second update to lose")
		}
		lead, err := backend.GetLead(ctx, "lead-1")
		if err != nil {
			t.Fatalf("get lead: %v", err)
		}
		if !lead.IsClaimed || lead.ClaimedBy != "alice" {
			t.Fatalf("expected lead claimed by alice, got %+v", lead)
		}
		if lead.ClaimedAt == nil || !lead.ClaimedAt.Equal(testBase.Add(time.Minute)) {
			t.Fatalf("unexpected claimedAt %v", lead.ClaimedAt)
		}

		ok, err = backend.ConditionalUpdate(ctx, claimTransition("missing", "alice", testBase))
		if err != nil || ok {
			t.Fatalf("expected missing row to report no update, ok=%v err=%v", ok, err)
		}
	})
}

func TestConditionalUpdateMatchesNullExpectation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		seedLead(t, backend, "lead-1", testBase)
		transition := Transition{
			Entity: EntityLead,
			ID:     "lead-1",
			Expect: map[string]any{FieldClaimedBy: nil},
			Set:    map[string]any{FieldClaimedBy: "alice"},
		}
		ok, err := backend.ConditionalUpdate(ctx, transition)
		if err != nil || !ok {
			t.Fatalf("expected update against NULL to win, ok=%v err=%v", ok, err)
		}
		ok, err = backend.ConditionalUpdate(ctx, transition)
		if err != nil || ok {
			t.Fatalf("expected repeated update to lose, ok=%v err=%v", ok, err)
		}
	})
}

func TestConditionalUpdateRejectsUnknownColumn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		seedLead(t, backend, "lead-1", testBase)
		_, err := backend.ConditionalUpdate(context.Background(), Transition{
			Entity: EntityLead,
			ID:     "lead-1",
			Expect: map[string]any{FieldIsClaimed: false},
			Set:    map[string]any{"contact_name": "someone else"},
		})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestWithinTxRollsBackEveryWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		seedLead(t, backend, "lead-1", testBase)
		boom := errors.New("boom")

		err := backend.WithinTx(ctx, func(tx ClaimTx) error {
			ok, err := tx.ConditionalUpdate(ctx, claimTransition("lead-1", "alice", testBase))
			if err != nil || !ok {
				t.Fatalf("conditional update in tx: ok=%v err=%v", ok, err)
			}
			seq, err := tx.NextCounterValue(ctx, CategoryInquiry, "2025-01-31")
			if err != nil || seq != 1 {
				t.Fatalf("counter in tx: seq=%d err=%v", seq, err)
			}
			if err := tx.InsertInquiry(ctx, Inquiry{
				ID: "inq-1", LeadID: "lead-1", Code: "INQ-20250131-0001", ContactName: "Dana", OwnerID: "alice", CreatedAt: testBase,
			}); err != nil {
				t.Fatalf("insert inquiry in tx: %v", err)
			}
			if err := tx.AppendActivity(ctx, ActivityEntry{
				ID: "act-1", ActorID: "alice", Action: ActionLeadClaimed, EntityType: EntityLead, EntityID: "lead-1", At: testBase,
			}); err != nil {
				t.Fatalf("append activity in tx: %v", err)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected tx error to surface, got %v", err)
		}

		lead, err := backend.GetLead(ctx, "lead-1")
		if err != nil {
			t.Fatalf("get lead: %v", err)
		}
		if lead.IsClaimed {
			t.Fatalf("expected claim to be rolled back, got %+v", lead)
		}
		if _, err := backend.GetInquiry(ctx, "inq-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected inquiry to be rolled back, got %v", err)
		}
		entries, err := backend.ListActivity(ctx, ActivityFilter{EntityID: "lead-1"})
		if err != nil {
			t.Fatalf("list activity: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected no activity after rollback, got %+v", entries)
		}
		seq, err := backend.NextCounterValue(ctx, CategoryInquiry, "2025-01-31")
		if err != nil {
			t.Fatalf("next counter value: %v", err)
		}
		if seq != 1 {
			t.Fatalf("expected rolled back counter to be released, got %d", seq)
		}
	})
}

func TestListLeadsUnclaimedNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		seedLead(t, backend, "lead-old", testBase)
		seedLead(t, backend, "lead-mid", testBase.Add(time.Hour))
		seedLead(t, backend, "lead-new", testBase.Add(2*time.Hour))
		if ok, err := backend.ConditionalUpdate(ctx, claimTransition("lead-mid", "alice", testBase)); err != nil || !ok {
			t.Fatalf("claim lead-mid: ok=%v err=%v", ok, err)
		}

		all, err := backend.ListLeads(ctx, LeadFilter{})
		if err != nil {
			t.Fatalf("list leads: %v", err)
		}
		if got := leadIDs(all); strings.Join(got, ",") != "lead-new,lead-mid,lead-old" {
			t.Fatalf("unexpected order %v", got)
		}
		unclaimed, err := backend.ListLeads(ctx, LeadFilter{UnclaimedOnly: true, Limit: 1})
		if err != nil {
			t.Fatalf("list unclaimed leads: %v", err)
		}
		if got := leadIDs(unclaimed); strings.Join(got, ",") != "lead-new" {
			t.Fatalf("unexpected unclaimed page %v", got)
		}
	})
}

func leadIDs(leads []Lead) []string {
	out := make([]string, 0, len(leads))
	for _, lead := range leads {
		out = append(out, lead.ID)
	}
	return out
}

func TestInquiryRoundTripAndCodeUniqueness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		seedLead(t, backend, "lead-1", testBase)
		inquiry := Inquiry{
			ID:          "inq-1",
			LeadID:      "lead-1",
			Code:        "INQ-20250131-0001",
			ContactName: "Dana Whitfield",
			Email:       "dana@example.com",
			OwnerID:     "alice",
			Extra:       map[string]any{"channel": "phone"},
			CreatedAt:   testBase,
		}
		if err := backend.InsertInquiry(ctx, inquiry); err != nil {
			t.Fatalf("insert inquiry: %v", err)
		}
		byCode, err := backend.GetInquiryByCode(ctx, "INQ-20250131-0001")
		if err != nil {
			t.Fatalf("get by code: %v", err)
		}
		if byCode.ID != "inq-1" || byCode.OwnerID != "alice" || byCode.IsAssigned || byCode.IsComplete || byCode.AssignedTo != "" {
			t.Fatalf("unexpected inquiry %+v", byCode)
		}
		if byCode.Extra["channel"] != "phone" {
			t.Fatalf("expected extra to round trip, got %+v", byCode.Extra)
		}
		if !byCode.CreatedAt.Equal(testBase) {
			t.Fatalf("expected createdAt %v, got %v", testBase, byCode.CreatedAt)
		}

		duplicate := inquiry
		duplicate.ID = "inq-2"
		if err := backend.InsertInquiry(ctx, duplicate); err == nil {
			t.Fatalf("expected duplicate code to be rejected")
		}

		if err := backend.DeleteInquiry(ctx, "inq-1"); err != nil {
			t.Fatalf("delete inquiry: %v", err)
		}
		if _, err := backend.GetInquiryByCode(ctx, "INQ-20250131-0001"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestNotificationReadStateTransitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		for i, id := range []string{"n-1", "n-2", "n-3"} {
			if err := backend.InsertNotification(ctx, Notification{
				ID:        id,
				ActorID:   "alice",
				Type:      NotificationSystem,
				Title:     "Heads up",
				Message:   "message " + id,
				Metadata:  map[string]any{"seq": id},
				CreatedAt: testBase.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				t.Fatalf("insert %s: %v", id, err)
			}
		}
		if err := backend.InsertNotification(ctx, Notification{
			ID: "n-bob", ActorID: "bob", Type: NotificationSystem, Title: "Other", CreatedAt: testBase,
		}); err != nil {
			t.Fatalf("insert bob notification: %v", err)
		}

		count, err := backend.CountUnread(ctx, "alice")
		if err != nil || count != 3 {
			t.Fatalf("expected 3 unread, got %d (err=%v)", count, err)
		}

		readAt := testBase.Add(time.Hour)
		read, err := backend.MarkNotificationRead(ctx, "alice", "n-1", readAt)
		if err != nil {
			t.Fatalf("mark read: %v", err)
		}
		if !read.IsRead || read.ReadAt == nil || !read.ReadAt.Equal(readAt) {
			t.Fatalf("unexpected read state %+v", read)
		}
		again, err := backend.MarkNotificationRead(ctx, "alice", "n-1", readAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("second mark read: %v", err)
		}
		if again.ReadAt == nil || !again.ReadAt.Equal(readAt) {
			t.Fatalf("expected repeated mark read to keep first readAt, got %v", again.ReadAt)
		}
		if _, err := backend.MarkNotificationRead(ctx, "alice", "n-bob", readAt); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for another actor's notification, got %v", err)
		}

		unread, err := backend.ListNotifications(ctx, "alice", NotificationListOptions{UnreadOnly: true})
		if err != nil {
			t.Fatalf("list unread: %v", err)
		}
		if len(unread) != 2 || unread[0].ID != "n-3" || unread[1].ID != "n-2" {
			t.Fatalf("unexpected unread list %+v", unread)
		}
		before, err := backend.ListNotifications(ctx, "alice", NotificationListOptions{Before: testBase.Add(time.Minute)})
		if err != nil {
			t.Fatalf("list before: %v", err)
		}
		if len(before) != 1 || before[0].ID != "n-1" || before[0].Metadata["seq"] != "n-1" {
			t.Fatalf("unexpected page before cursor %+v", before)
		}

		updated, err := backend.MarkAllNotificationsRead(ctx, "alice", readAt)
		if err != nil || updated != 2 {
			t.Fatalf("expected 2 marked read, got %d (err=%v)", updated, err)
		}
		if count, _ := backend.CountUnread(ctx, "alice"); count != 0 {
			t.Fatalf("expected no unread left, got %d", count)
		}
		if count, _ := backend.CountUnread(ctx, "bob"); count != 1 {
			t.Fatalf("expected bob's notification untouched, got %d", count)
		}

		deleted, err := backend.DeleteReadNotificationsBefore(ctx, testBase.Add(90*time.Second))
		if err != nil {
			t.Fatalf("delete read: %v", err)
		}
		if deleted != 2 {
			t.Fatalf("expected n-1 and n-2 swept, got %d", deleted)
		}
		remaining, err := backend.ListNotifications(ctx, "alice", NotificationListOptions{})
		if err != nil {
			t.Fatalf("list remaining: %v", err)
		}
		if len(remaining) != 1 || remaining[0].ID != "n-3" {
			t.Fatalf("unexpected remaining notifications %+v", remaining)
		}
	})
}

func TestListActivityFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		entries := []ActivityEntry{
			{ID: "a-1", ActorID: "alice", Action: ActionLeadCreated, EntityType: EntityLead, EntityID: "lead-1", At: testBase},
			{ID: "a-2", ActorID: "bob", Action: ActionLeadClaimed, EntityType: EntityLead, EntityID: "lead-1", At: testBase.Add(time.Minute),
				Details: map[string]any{"code": "INQ-20250131-0001"}},
			{ID: "a-3", ActorID: "bob", Action: ActionInquiryCreated, EntityType: EntityInquiry, EntityID: "inq-1", At: testBase.Add(2 * time.Minute)},
		}
		for _, entry := range entries {
			if err := backend.AppendActivity(ctx, entry); err != nil {
				t.Fatalf("append %s: %v", entry.ID, err)
			}
		}
		leadEntries, err := backend.ListActivity(ctx, ActivityFilter{EntityType: EntityLead, EntityID: "lead-1"})
		if err != nil {
			t.Fatalf("list lead activity: %v", err)
		}
		if len(leadEntries) != 2 || leadEntries[0].ID != "a-2" || leadEntries[0].Details["code"] != "INQ-20250131-0001" {
			t.Fatalf("unexpected lead activity %+v", leadEntries)
		}
		bobEntries, err := backend.ListActivity(ctx, ActivityFilter{ActorID: "bob", Limit: 1})
		if err != nil {
			t.Fatalf("list bob activity: %v", err)
		}
		if len(bobEntries) != 1 || bobEntries[0].ID != "a-3" {
			t.Fatalf("unexpected bob activity %+v", bobEntries)
		}
	})
}

func TestListOrphanCandidatesSkipsInquiriesBackingAClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend Backend) {
		ctx := context.Background()
		for _, id := range []string{"lead-1", "lead-2", "lead-3", "lead-4"} {
			seedLead(t, backend, id, testBase.Add(-time.Hour))
		}
		if ok, err := backend.ConditionalUpdate(ctx, claimTransition("lead-2", "alice", testBase)); err != nil || !ok {
			t.Fatalf("claim lead-2: ok=%v err=%v", ok, err)
		}
		if ok, err := backend.ConditionalUpdate(ctx, claimTransition("lead-3", "bob", testBase)); err != nil || !ok {
			t.Fatalf("claim lead-3: ok=%v err=%v", ok, err)
		}
		inquiries := []Inquiry{
			{ID: "inq-unclaimed", LeadID: "lead-1", Code: "INQ-20250131-0001", OwnerID: "alice", CreatedAt: testBase},
			{ID: "inq-backing", LeadID: "lead-2", Code: "INQ-20250131-0002", OwnerID: "alice", CreatedAt: testBase},
			{ID: "inq-rival", LeadID: "lead-3", Code: "INQ-20250131-0003", OwnerID: "alice", CreatedAt: testBase.Add(time.Second)},
			{ID: "inq-fresh", LeadID: "lead-4", Code: "INQ-20250131-0004", OwnerID: "alice", CreatedAt: testBase.Add(time.Hour)},
		}
		for _, inquiry := range inquiries {
			inquiry.ContactName = "Dana Whitfield"
			if err := backend.InsertInquiry(ctx, inquiry); err != nil {
				t.Fatalf("insert %s: %v", inquiry.ID, err)
			}
		}

		cutoff := testBase.Add(30 * time.Minute)
		got, err := backend.ListOrphanCandidates(ctx, cutoff, 0)
		if err != nil {
			t.Fatalf("list orphan candidates: %v", err)
		}
		if len(got) != 2 || got[0].ID != "inq-unclaimed" || got[1].ID != "inq-rival" {
			t.Fatalf("expected unclaimed and rival inquiries, got %+v", got)
		}

		limited, err := backend.ListOrphanCandidates(ctx, cutoff, 1)
		if err != nil {
			t.Fatalf("list limited: %v", err)
		}
		if len(limited) != 1 || limited[0].ID != "inq-unclaimed" {
			t.Fatalf("expected the oldest candidate only, got %+v", limited)
		}
	})
}
