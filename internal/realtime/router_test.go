package realtime

import (
	"context"
	"testing"
	"time"
)

var routerClock = func() time.Time { return time.Date(2025, 1, 31, 9, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60)) }

func TestRouterEmitToActorsCountsDistinctActors(t *testing.T) {
	r := NewRegistry()
	alice1 := mustRegister(t, r, "a1", "alice", "sales")
	alice2 := mustRegister(t, r, "a2", "alice", "sales")
	bob := mustRegister(t, r, "b1", "bob", "admin")
	router := NewRouter(r, RouterOptions{Now: routerClock})

	got := router.EmitToActors(context.Background(), []string{"alice", "alice", "carol", ""}, Message{
		Event:    "inquiry:created",
		EntityID: "inq-1",
		Payload:  map[string]any{"code": "INQ-20250131-0001"},
	})
	if got != 1 {
		t.Fatalf("expected one actor reached, got %d", got)
	}
	if len(alice1.received) != 1 || len(alice2.received) != 1 || len(bob.received) != 0 {
		t.Fatalf("unexpected deliveries a1=%d a2=%d b1=%d", len(alice1.received), len(alice2.received), len(bob.received))
	}
	env := alice1.received[0]
	if env.Timestamp != "2025-01-31T07:30:00Z" || env.EntityID != "inq-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if !router.EmitToActor(context.Background(), "bob", Message{Event: "ping"}) {
		t.Fatalf("expected bob to be reached")
	}
	if router.EmitToActor(context.Background(), "carol", Message{Event: "ping"}) {
		t.Fatalf("expected offline actor to report false")
	}
}

func TestRouterEmitToRolesAndBroadcast(t *testing.T) {
	r := NewRegistry()
	sales := mustRegister(t, r, "s1", "alice", "sales")
	admin := mustRegister(t, r, "ad1", "bob", "admin")
	support := mustRegister(t, r, "su1", "carol", "support")
	router := NewRouter(r, RouterOptions{})

	if got := router.EmitToRoles(context.Background(), []string{"Admin", "sales", "sales"}, Message{Event: "lead:claimed"}); got != 2 {
		t.Fatalf("expected two connections reached, got %d", got)
	}
	if len(sales.received) != 1 || len(admin.received) != 1 || len(support.received) != 0 {
		t.Fatalf("unexpected role deliveries")
	}
	if got := router.Broadcast(context.Background(), Message{Event: "system"}); got != 3 {
		t.Fatalf("expected broadcast to reach 3 connections, got %d", got)
	}
	if got := router.EmitToRoles(context.Background(), nil, Message{Event: "lead:claimed"}); got != 0 {
		t.Fatalf("expected no roles to reach nobody, got %d", got)
	}
	if got := router.Broadcast(context.Background(), Message{}); got != 0 {
		t.Fatalf("expected a message without event to be ignored, got %d", got)
	}
}

func TestRouterSkipsSlowConnections(t *testing.T) {
	r := NewRegistry()
	slow := mustRegister(t, r, "a1", "alice", "")
	slow.full = true
	fast := mustRegister(t, r, "a2", "alice", "")
	router := NewRouter(r, RouterOptions{})

	if got := router.EmitToActors(context.Background(), []string{"alice"}, Message{Event: "notification:new"}); got != 1 {
		t.Fatalf("expected alice reached through the fast connection, got %d", got)
	}
	if len(fast.received) != 1 {
		t.Fatalf("expected fast connection to receive the event")
	}
	fast.full = true
	if got := router.EmitToActors(context.Background(), []string{"alice"}, Message{Event: "notification:new"}); got != 0 {
		t.Fatalf("expected no delivery when every buffer is full, got %d", got)
	}
}

func TestRouterBackplaneReachesOtherInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backplane := NewMemoryBackplane()

	regA := NewRegistry()
	regB := NewRegistry()
	localAlice := mustRegister(t, regA, "a1", "alice", "sales")
	remoteAlice := mustRegister(t, regB, "a2", "alice", "sales")
	remoteBob := mustRegister(t, regB, "b1", "bob", "admin")

	routerA := NewRouter(regA, RouterOptions{Backplane: backplane, Origin: "a"})
	routerB := NewRouter(regB, RouterOptions{Backplane: backplane, Origin: "b"})
	if err := routerA.Start(ctx); err != nil {
		t.Fatalf("start router a: %v", err)
	}
	if err := routerB.Start(ctx); err != nil {
		t.Fatalf("start router b: %v", err)
	}

	if got := routerA.EmitToActors(ctx, []string{"alice"}, Message{Event: "inquiry:created"}); got != 1 {
		t.Fatalf("expected one local actor reached, got %d", got)
	}
	if len(localAlice.received) != 1 {
		t.Fatalf("expected the origin to deliver exactly once, got %d", len(localAlice.received))
	}
	if len(remoteAlice.received) != 1 {
		t.Fatalf("expected the other instance to deliver, got %d", len(remoteAlice.received))
	}

	if got := routerA.EmitToRoles(ctx, []string{"admin"}, Message{Event: "lead:claimed"}); got != 0 {
		t.Fatalf("expected no local admin connection, got %d", got)
	}
	if events := remoteBob.events(); len(events) != 1 || events[0] != "lead:claimed" {
		t.Fatalf("expected remote admin to receive lead:claimed, got %v", events)
	}
	if remoteAlice.received[0].Timestamp == "" {
		t.Fatalf("expected remote envelope to keep its timestamp")
	}
}
