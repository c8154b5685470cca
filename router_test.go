package loom

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type routerFixture struct {
	clock    *fakeClock
	store    *memStore
	identity *IdentityService
	router   *Router
	adapter  *stubAdapter
	userID   string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	store := newMemStore()

	identity, err := NewIdentityService(ctx, store, withIdentityClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(identity.Close)

	router, err := NewRouter(ctx, identity, store, withRouterClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(router.Close)

	adapter := newStubAdapter("alpha")
	router.RegisterAdapter(adapter)

	u, err := identity.ResolveUser(ctx, "alpha", "alpha-7")
	if err != nil {
		t.Fatal(err)
	}

	return &routerFixture{
		clock:    clock,
		store:    store,
		identity: identity,
		router:   router,
		adapter:  adapter,
		userID:   u.ID,
	}
}

func TestRouteResponseDelivers(t *testing.T) {
	f := newRouterFixture(t)
	err := f.router.RouteResponse(context.Background(), f.userID, "alpha", OutboundMessage{Text: "done"})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.adapter.lastSent(t); got != "done" {
		t.Errorf("sent = %q", got)
	}
	if f.router.QueueLength() != 0 {
		t.Errorf("queue = %d, want 0", f.router.QueueLength())
	}
}

func TestRouteProactiveUsesDefaultSurface(t *testing.T) {
	f := newRouterFixture(t)
	beta := newStubAdapter("beta")
	f.router.RegisterAdapter(beta)

	ctx := context.Background()
	if _, err := f.identity.LinkManual(ctx, f.userID, "beta", "beta-9"); err != nil {
		t.Fatal(err)
	}
	if err := f.identity.SetDefaultSurface(ctx, f.userID, "beta"); err != nil {
		t.Fatal(err)
	}

	if err := f.router.RouteProactive(ctx, f.userID, OutboundMessage{Text: "reminder"}); err != nil {
		t.Fatal(err)
	}
	if got := beta.lastSent(t); got != "reminder" {
		t.Errorf("beta sent = %q", got)
	}
	if len(f.adapter.sentTexts()) != 0 {
		t.Error("message leaked to the non-default surface")
	}
}

func TestRouteProactiveUnknownUser(t *testing.T) {
	f := newRouterFixture(t)
	err := f.router.RouteProactive(context.Background(), "ghost", OutboundMessage{Text: "x"})
	if err != ErrSurfaceNotLinked {
		t.Errorf("err = %v, want ErrSurfaceNotLinked", err)
	}
}

func TestDeliveryFailureQueues(t *testing.T) {
	f := newRouterFixture(t)
	f.adapter.sendErr = &ErrDelivery{SurfaceID: "alpha", Err: errors.New("timeout")}

	err := f.router.RouteResponse(context.Background(), f.userID, "alpha", OutboundMessage{Text: "later"})
	if err != nil {
		t.Fatalf("queued delivery must not error: %v", err)
	}
	if f.router.QueueLength() != 1 {
		t.Fatalf("queue = %d, want 1", f.router.QueueLength())
	}

	// The queue is persisted so it survives restarts.
	entries, _ := f.store.LoadQueue(context.Background())
	if len(entries) != 1 || entries[0].Message.Text != "later" {
		t.Errorf("persisted queue = %+v", entries)
	}
	if entries[0].MaxAttempts != routerMaxAttempts {
		t.Errorf("MaxAttempts = %d", entries[0].MaxAttempts)
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.adapter.sendErr = &ErrDelivery{SurfaceID: "alpha", Err: errors.New("down")}

	if err := f.router.RouteResponse(ctx, f.userID, "alpha", OutboundMessage{Text: "x"}); err != nil {
		t.Fatal(err)
	}

	// Before the first 10s cool-down nothing is due.
	f.clock.Advance(9 * time.Second)
	f.router.ProcessQueue(ctx)
	entries, _ := f.store.LoadQueue(ctx)
	if entries[0].Attempts != 0 {
		t.Fatalf("attempted before cool-down: %+v", entries[0])
	}

	// 10s after enqueue: first retry fires and fails.
	f.clock.Advance(time.Second)
	f.router.ProcessQueue(ctx)
	entries, _ = f.store.LoadQueue(ctx)
	if entries[0].Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", entries[0].Attempts)
	}
	firstAttemptAt := entries[0].LastAttemptAt
	if firstAttemptAt != f.clock.Now().UnixMilli() {
		t.Errorf("LastAttemptAt = %d", firstAttemptAt)
	}

	// The second retry waits 30s from the first failure.
	f.clock.Advance(29 * time.Second)
	f.router.ProcessQueue(ctx)
	entries, _ = f.store.LoadQueue(ctx)
	if entries[0].Attempts != 1 {
		t.Fatalf("retried before 30s cool-down")
	}
	f.clock.Advance(time.Second)
	f.router.ProcessQueue(ctx)
	entries, _ = f.store.LoadQueue(ctx)
	if entries[0].Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", entries[0].Attempts)
	}

	// The third waits 90s; once the transport recovers it delivers and
	// the entry leaves the queue.
	f.adapter.sendErr = nil
	f.clock.Advance(89 * time.Second)
	f.router.ProcessQueue(ctx)
	if f.router.QueueLength() != 1 {
		t.Fatal("retried before 90s cool-down")
	}
	f.clock.Advance(time.Second)
	f.router.ProcessQueue(ctx)
	if f.router.QueueLength() != 0 {
		t.Fatalf("queue = %d after successful retry", f.router.QueueLength())
	}
	if got := f.adapter.lastSent(t); got != "x" {
		t.Errorf("delivered = %q", got)
	}
}

func TestRetryDropsAfterMaxAttempts(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.adapter.sendErr = &ErrDelivery{SurfaceID: "alpha", Err: errors.New("down")}

	if err := f.router.RouteResponse(ctx, f.userID, "alpha", OutboundMessage{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < routerMaxAttempts; i++ {
		f.clock.Advance(retryBackoff[len(retryBackoff)-1])
		f.router.ProcessQueue(ctx)
	}
	if f.router.QueueLength() != 0 {
		t.Errorf("queue = %d, want 0 after exhausting attempts", f.router.QueueLength())
	}
}

func TestQueuePerUserCap(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.adapter.sendErr = &ErrDelivery{SurfaceID: "alpha", Err: errors.New("down")}

	for i := 0; i < routerQueueCapPerUser+1; i++ {
		msg := OutboundMessage{Text: fmt.Sprintf("m-%d", i)}
		if err := f.router.RouteResponse(ctx, f.userID, "alpha", msg); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Millisecond)
	}

	if got := f.router.QueueLength(); got != routerQueueCapPerUser {
		t.Fatalf("queue = %d, want %d", got, routerQueueCapPerUser)
	}
	entries, _ := f.store.LoadQueue(ctx)
	for _, e := range entries {
		if e.Message.Text == "m-0" {
			t.Error("oldest entry survived the cap")
		}
	}
}

func TestQueueDropsUnlinkedSurface(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	beta := newStubAdapter("beta")
	beta.sendErr = &ErrDelivery{SurfaceID: "beta", Err: errors.New("down")}
	f.router.RegisterAdapter(beta)

	if _, err := f.identity.LinkManual(ctx, f.userID, "beta", "beta-9"); err != nil {
		t.Fatal(err)
	}
	if err := f.router.RouteResponse(ctx, f.userID, "beta", OutboundMessage{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if f.router.QueueLength() != 1 {
		t.Fatal("entry not queued")
	}

	// The surface disappears before the retry; the entry is dropped
	// without rerouting.
	if err := f.identity.UnlinkSurface(ctx, f.userID, "beta"); err != nil {
		t.Fatal(err)
	}
	beta.sendErr = nil
	f.clock.Advance(retryBackoff[0])
	f.router.ProcessQueue(ctx)

	if f.router.QueueLength() != 0 {
		t.Errorf("queue = %d, want 0", f.router.QueueLength())
	}
	if len(beta.sentTexts()) != 0 {
		t.Error("message delivered to an unlinked surface")
	}
	if len(f.adapter.sentTexts()) != 0 {
		t.Error("message rerouted to another surface")
	}
}

func TestQueueRehydratedOnStartup(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.adapter.sendErr = &ErrDelivery{SurfaceID: "alpha", Err: errors.New("down")}
	if err := f.router.RouteResponse(ctx, f.userID, "alpha", OutboundMessage{Text: "held"}); err != nil {
		t.Fatal(err)
	}

	// A new router over the same store picks the entry back up.
	router2, err := NewRouter(ctx, f.identity, f.store, withRouterClock(f.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(router2.Close)
	if router2.QueueLength() != 1 {
		t.Fatalf("rehydrated queue = %d, want 1", router2.QueueLength())
	}

	f.adapter.sendErr = nil
	router2.RegisterAdapter(f.adapter)
	f.clock.Advance(retryBackoff[0])
	router2.ProcessQueue(ctx)
	if router2.QueueLength() != 0 {
		t.Errorf("queue = %d after delivery", router2.QueueLength())
	}
	if got := f.adapter.lastSent(t); got != "held" {
		t.Errorf("delivered = %q", got)
	}
}

func TestSendUnknownAdapterQueues(t *testing.T) {
	f := newRouterFixture(t)
	err := f.router.RouteResponse(context.Background(), f.userID, "gamma", OutboundMessage{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	// No adapter yet: the message waits for one to be registered.
	if f.router.QueueLength() != 1 {
		t.Errorf("queue = %d, want 1", f.router.QueueLength())
	}
}
