package broadcast

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relayfan/outboxer/internal/store"
)

// Deduper tracks which event identifiers have been observed and from which
// endpoints, so that an event arriving on several relays is processed once.
// Seen identifiers survive restarts through the store; the per-event endpoint
// sets are memory-only.
type Deduper struct {
	store   store.Store
	seenCap int

	mu        sync.Mutex
	seen      *lru.Cache[string, struct{}]
	endpoints *lru.Cache[string, map[string]struct{}]
}

// NewDeduper creates a deduper with the given caps, preloading the persisted
// seen index. trackCap bounds per-event endpoint tracking, seenCap bounds the
// seen-identifier index.
func NewDeduper(ctx context.Context, st store.Store, trackCap, seenCap int) (*Deduper, error) {
	seen, err := lru.New[string, struct{}](seenCap)
	if err != nil {
		return nil, err
	}
	endpoints, err := lru.New[string, map[string]struct{}](trackCap)
	if err != nil {
		return nil, err
	}

	list, err := store.LoadIDList(ctx, st, store.KeySeenEvents)
	if err != nil {
		return nil, err
	}
	for _, id := range list.IDs {
		seen.Add(id, struct{}{})
	}

	return &Deduper{store: st, seenCap: seenCap, seen: seen, endpoints: endpoints}, nil
}

// Observe records that eventID arrived from endpoint. It returns true exactly
// once per event identifier, regardless of how many endpoints deliver it or
// in which order.
func (d *Deduper) Observe(ctx context.Context, eventID, endpoint string) (bool, error) {
	d.mu.Lock()
	_, dup := d.seen.Get(eventID)
	if !dup {
		d.seen.Add(eventID, struct{}{})
	}
	set, ok := d.endpoints.Get(eventID)
	if !ok {
		set = make(map[string]struct{})
		d.endpoints.Add(eventID, set)
	}
	set[endpoint] = struct{}{}
	d.mu.Unlock()

	if dup {
		return false, nil
	}

	if err := store.AppendID(ctx, d.store, store.KeySeenEvents, eventID, d.seenCap); err != nil {
		return true, err
	}
	return true, nil
}

// EndpointsFor returns the endpoints an event was observed on
func (d *Deduper) EndpointsFor(eventID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.endpoints.Get(eventID)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for ep := range set {
		out = append(out, ep)
	}
	return out
}

// Seen reports whether eventID has been observed before
func (d *Deduper) Seen(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen.Get(eventID)
	return ok
}

// Clear drops all in-memory and persisted dedup state
func (d *Deduper) Clear(ctx context.Context) error {
	d.mu.Lock()
	d.seen.Purge()
	d.endpoints.Purge()
	d.mu.Unlock()

	return d.store.Delete(ctx, store.KeySeenEvents)
}

// Trackable reports whether an inbound event should enter the pipeline at
// all. Contact lists authored by anyone other than the subject carry someone
// else's social graph and are dropped outright.
func Trackable(event *nostr.Event, subject string) bool {
	if event.Kind == nostr.KindFollowList && event.PubKey != subject {
		return false
	}
	return true
}
