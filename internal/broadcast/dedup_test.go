package broadcast

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relayfan/outboxer/internal/store"
)

func setupTestDeduper(t *testing.T, st store.Store) *Deduper {
	t.Helper()

	d, err := NewDeduper(context.Background(), st, 100, 500)
	if err != nil {
		t.Fatalf("Failed to create deduper: %v", err)
	}
	return d
}

func TestObserveFirstThenDuplicate(t *testing.T) {
	d := setupTestDeduper(t, store.NewMemory())
	ctx := context.Background()

	first, err := d.Observe(ctx, "ev1", "wss://a.test")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !first {
		t.Fatal("First observation should report first=true")
	}

	// same event from a different endpoint is still a duplicate
	first, err = d.Observe(ctx, "ev1", "wss://b.test")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if first {
		t.Error("Second observation should report first=false")
	}
}

func TestObserveOrderIndependent(t *testing.T) {
	d := setupTestDeduper(t, store.NewMemory())
	ctx := context.Background()

	endpoints := []string{"wss://c.test", "wss://a.test", "wss://b.test"}
	firsts := 0
	for _, ep := range endpoints {
		first, err := d.Observe(ctx, "ev1", ep)
		if err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
		if first {
			firsts++
		}
	}
	if firsts != 1 {
		t.Errorf("Got %d first observations, want exactly 1", firsts)
	}

	got := d.EndpointsFor("ev1")
	if len(got) != 3 {
		t.Errorf("EndpointsFor() = %v, want 3 endpoints", got)
	}
}

func TestSeenIndexSurvivesRestart(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	d := setupTestDeduper(t, st)
	if first, _ := d.Observe(ctx, "ev1", "wss://a.test"); !first {
		t.Fatal("Expected first observation")
	}

	// a fresh deduper over the same store remembers the identifier
	d2 := setupTestDeduper(t, st)
	if first, _ := d2.Observe(ctx, "ev1", "wss://a.test"); first {
		t.Error("Identifier should still be seen after reload")
	}
}

func TestSeenIndexCap(t *testing.T) {
	st := store.NewMemory()
	d, err := NewDeduper(context.Background(), st, 10, 3)
	if err != nil {
		t.Fatalf("Failed to create deduper: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := d.Observe(ctx, fmt.Sprintf("ev%d", i), "wss://a.test"); err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
	}

	// oldest identifiers fall out of the bounded index
	if d.Seen("ev0") {
		t.Error("Oldest identifier should have been evicted")
	}
	if !d.Seen("ev4") {
		t.Error("Newest identifier missing")
	}

	list, err := store.LoadIDList(ctx, st, store.KeySeenEvents)
	if err != nil {
		t.Fatalf("LoadIDList() error = %v", err)
	}
	if len(list.IDs) > 3 {
		t.Errorf("Persisted seen index holds %d entries, cap is 3", len(list.IDs))
	}
}

func TestClearDropsState(t *testing.T) {
	st := store.NewMemory()
	d := setupTestDeduper(t, st)
	ctx := context.Background()

	d.Observe(ctx, "ev1", "wss://a.test")
	if err := d.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	if d.Seen("ev1") {
		t.Error("Identifier still seen after clear")
	}
	if first, _ := d.Observe(ctx, "ev1", "wss://a.test"); !first {
		t.Error("Expected first observation after clear")
	}
}

func TestTrackableDropsForeignContactLists(t *testing.T) {
	foreign := &nostr.Event{Kind: nostr.KindFollowList, PubKey: "someone-else"}
	if Trackable(foreign, "me") {
		t.Error("Foreign contact list should not be trackable")
	}

	own := &nostr.Event{Kind: nostr.KindFollowList, PubKey: "me"}
	if !Trackable(own, "me") {
		t.Error("Own contact list should be trackable")
	}

	note := &nostr.Event{Kind: nostr.KindTextNote, PubKey: "someone-else"}
	if !Trackable(note, "me") {
		t.Error("Text note should be trackable")
	}
}
