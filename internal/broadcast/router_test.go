package broadcast

import (
	"context"
	"sort"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relayfan/outboxer/internal/config"
	"github.com/relayfan/outboxer/internal/ops"
	"github.com/relayfan/outboxer/internal/store"
)

const (
	subjectKey = "subject-pubkey"
	bobKey     = "bob-pubkey"
	carolKey   = "carol-pubkey"
)

// fakeResolver serves fixed relay sets per pubkey
type fakeResolver struct {
	sets map[string][]store.RelayRecord
}

func (f *fakeResolver) Resolve(ctx context.Context, pubkey string) []store.RelayRecord {
	return f.sets[pubkey]
}

func quietLogger() *ops.Logger {
	return ops.NewLogger(&config.Logging{Level: "error", Format: "text"})
}

// setupTestRouter builds a router for subjectKey with bob and carol as
// contacts, first login at t=1000 and no live sessions.
func setupTestRouter(t *testing.T) (*Router, *History, func(...string)) {
	t.Helper()

	st := store.NewMemory()
	ctx := context.Background()

	resolver := &fakeResolver{sets: map[string][]store.RelayRecord{
		subjectKey: {
			{URL: "wss://own-write.test", Write: true},
			{URL: "wss://own-read.test", Read: true},
		},
		bobKey: {
			{URL: "wss://bob-read.test", Read: true},
			{URL: "wss://bob-write.test", Write: true},
		},
		carolKey: {
			{URL: "wss://carol-read.test", Read: true},
		},
	}}

	graph, err := NewGraph(ctx, st, subjectKey)
	if err != nil {
		t.Fatalf("Failed to create graph: %v", err)
	}
	contactList := &nostr.Event{
		PubKey:    subjectKey,
		Kind:      nostr.KindFollowList,
		CreatedAt: 2000,
		Tags: nostr.Tags{
			{"p", bobKey},
			{"p", carolKey, "wss://carol-hint.test"},
		},
	}
	if err := graph.ProcessContactList(ctx, contactList); err != nil {
		t.Fatalf("ProcessContactList() error = %v", err)
	}

	history := setupTestHistory(t, st, 100)

	var connected []string
	setConnected := func(endpoints ...string) { connected = endpoints }

	router := NewRouter(subjectKey, 1000, resolver, graph, history,
		func() []string { return connected }, quietLogger())
	return router, history, setConnected
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func assertTargets(t *testing.T, got, want []string) {
	t.Helper()

	got, want = sorted(got), sorted(want)
	if len(got) != len(want) {
		t.Fatalf("Targets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Targets = %v, want %v", got, want)
		}
	}
}

func TestTargetsForMention(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-mention",
		PubKey:    bobKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", subjectKey}},
	}

	targets := router.TargetsFor(context.Background(), event)
	assertTargets(t, targets, []string{"wss://own-read.test"})
}

func TestTargetsForMentionOfUnroutableKind(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	// long-form content mentioning the subject is not rebroadcast
	event := &nostr.Event{
		ID:        "ev-longform",
		PubKey:    bobKey,
		Kind:      30023,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", subjectKey}},
	}

	if targets := router.TargetsFor(context.Background(), event); targets != nil {
		t.Errorf("Targets = %v, want nil", targets)
	}
}

func TestTargetsForForeignContactListMention(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-foreign-contacts",
		PubKey:    bobKey,
		Kind:      nostr.KindFollowList,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", subjectKey}},
	}

	if targets := router.TargetsFor(context.Background(), event); targets != nil {
		t.Errorf("Targets = %v, want nil", targets)
	}
}

func TestTargetsForAuthoredNote(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-note",
		PubKey:    subjectKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", bobKey}},
	}

	targets := router.TargetsFor(context.Background(), event)
	assertTargets(t, targets, []string{
		"wss://own-write.test",
		"wss://bob-read.test",
	})
}

func TestTargetsForAuthoredNoteWithSelfTag(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	// tagging yourself must not loop your own read relays in
	event := &nostr.Event{
		ID:        "ev-self-tag",
		PubKey:    subjectKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", subjectKey}},
	}

	targets := router.TargetsFor(context.Background(), event)
	assertTargets(t, targets, []string{"wss://own-write.test"})
}

func TestTargetsForIdentityKindFansOut(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-profile",
		PubKey:    subjectKey,
		Kind:      nostr.KindProfileMetadata,
		CreatedAt: 2000,
	}

	targets := router.TargetsFor(context.Background(), event)
	assertTargets(t, targets, []string{
		"wss://own-write.test",
		"wss://bob-read.test",
		"wss://carol-read.test",
		"wss://carol-hint.test",
	})
}

func TestTargetsForRelayListFansOut(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-relaylist",
		PubKey:    subjectKey,
		Kind:      nostr.KindRelayListMetadata,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"r", "wss://own-write.test"}},
	}

	targets := router.TargetsFor(context.Background(), event)
	assertTargets(t, targets, []string{
		"wss://own-write.test",
		"wss://bob-read.test",
		"wss://carol-read.test",
		"wss://carol-hint.test",
	})
}

func TestTargetsForBroadcastHistory(t *testing.T) {
	router, history, _ := setupTestRouter(t)
	ctx := context.Background()

	event := &nostr.Event{
		ID:        "ev-done",
		PubKey:    subjectKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 2000,
	}

	if targets := router.TargetsFor(ctx, event); len(targets) == 0 {
		t.Fatal("Expected targets before history mark")
	}

	if err := history.Mark(ctx, "ev-done"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if targets := router.TargetsFor(ctx, event); targets != nil {
		t.Errorf("Targets after history mark = %v, want nil", targets)
	}
}

func TestTargetsForPreLoginEvent(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-old",
		PubKey:    subjectKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 999,
	}

	if targets := router.TargetsFor(context.Background(), event); targets != nil {
		t.Errorf("Targets for pre-login event = %v, want nil", targets)
	}
}

func TestTargetsForUnrelatedEvent(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	event := &nostr.Event{
		ID:        "ev-unrelated",
		PubKey:    bobKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", carolKey}},
	}

	if targets := router.TargetsFor(context.Background(), event); targets != nil {
		t.Errorf("Targets for unrelated event = %v, want nil", targets)
	}
}

func TestTargetsForExcludesConnectedEndpoints(t *testing.T) {
	router, _, setConnected := setupTestRouter(t)
	setConnected("wss://own-write.test")

	event := &nostr.Event{
		ID:        "ev-note2",
		PubKey:    subjectKey,
		Kind:      nostr.KindTextNote,
		CreatedAt: 2000,
		Tags:      nostr.Tags{{"p", bobKey}},
	}

	targets := router.TargetsFor(context.Background(), event)
	assertTargets(t, targets, []string{"wss://bob-read.test"})
}
