package routing

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseNormalizesRoles(t *testing.T) {
	rules, err := Parse([]byte("events:\n  lead:claimed: [Admin, sales, admin, \" \"]\n  inquiry:created: []\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := rules.RolesFor("lead:claimed"); !reflect.DeepEqual(got, []string{"admin", "sales"}) {
		t.Fatalf("unexpected roles: %v", got)
	}
	if got := rules.RolesFor("inquiry:created"); got != nil {
		t.Fatalf("expected nil roles for empty list, got %v", got)
	}
	if got := rules.Events(); !reflect.DeepEqual(got, []string{"inquiry:created", "lead:claimed"}) {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("events: [not, a, map")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRolesForReturnsCopy(t *testing.T) {
	rules := Default()
	roles := rules.RolesFor("lead:claimed")
	roles[0] = "mutated"
	if got := rules.RolesFor("lead:claimed"); got[0] != "admin" {
		t.Fatalf("expected rules to be unaffected by caller mutation, got %v", got)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	if err := os.WriteFile(path, []byte("events:\n  lead:claimed: [admin]\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	rules, err := Load(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	w := NewWatcher(path, rules, nil)
	reloaded := make(chan struct{}, 4)
	w.onReload = func() { reloaded <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("events:\n  lead:claimed: [support]\n"), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	if got := rules.RolesFor("lead:claimed"); !reflect.DeepEqual(got, []string{"support"}) {
		t.Fatalf("expected reloaded roles, got %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watcher returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop")
	}
}

func TestWatcherKeepsRulesOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	if err := os.WriteFile(path, []byte("events:\n  lead:claimed: [admin]\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	rules, err := Load(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if err := os.WriteFile(path, []byte("events: [broken"), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}
	NewWatcher(path, rules, nil).reload()
	if got := rules.RolesFor("lead:claimed"); !reflect.DeepEqual(got, []string{"admin"}) {
		t.Fatalf("expected previous rules to survive, got %v", got)
	}
}
