package nostr

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/relayfan/outboxer/internal/config"
	"github.com/relayfan/outboxer/internal/ops"
	"github.com/relayfan/outboxer/internal/store"
)

// RelayListFetcher fetches a pubkey's advertised relay list from the network.
// A nil slice with nil error means no record exists.
type RelayListFetcher interface {
	FetchRelayList(ctx context.Context, pubkey string) ([]store.RelayRecord, string, error)
}

// FetchRelayList implements RelayListFetcher against the seed relays
func (c *Client) FetchRelayList(ctx context.Context, pubkey string) ([]store.RelayRecord, string, error) {
	event := c.FetchLatest(ctx, c.Seeds(), pubkey, nostr.KindRelayListMetadata, 3*time.Second)
	if event == nil {
		return nil, "", nil
	}

	records, err := ParseRelayList(event)
	if err != nil {
		return nil, "", err
	}
	return records, event.ID, nil
}

// Resolver resolves a pubkey's advertised read/write relay set. Contacts are
// numerous and their relay lists are consulted on every routing decision, so
// the resolver is cache-first: cached data inside the freshness window is
// served without touching the network, and fetch failures degrade to stale
// data or an empty set rather than an error.
type Resolver struct {
	store    store.Store
	fetcher  RelayListFetcher
	cfg      *config.Resolver
	defaults []store.RelayRecord
	log      *ops.Logger
}

// NewResolver creates a relay-list resolver
func NewResolver(st store.Store, fetcher RelayListFetcher, cfg *config.Resolver, defaults []config.DefaultRelay, log *ops.Logger) *Resolver {
	recs := make([]store.RelayRecord, 0, len(defaults))
	for _, d := range defaults {
		recs = append(recs, store.RelayRecord{
			URL:   nostr.NormalizeURL(d.URL),
			Read:  d.Read,
			Write: d.Write,
		})
	}

	return &Resolver{
		store:    st,
		fetcher:  fetcher,
		cfg:      cfg,
		defaults: recs,
		log:      log.WithComponent("resolver"),
	}
}

// Defaults returns the configured fallback relay set
func (r *Resolver) Defaults() []store.RelayRecord {
	out := make([]store.RelayRecord, len(r.defaults))
	copy(out, r.defaults)
	return out
}

// Resolve returns the advertised relay set of any pubkey. Cached data inside
// the freshness window is returned as-is; on a miss a blocking fetch runs
// under the configured timeout and fills the cache; on fetch failure any
// stale cache entry is returned, else an empty set. Never returns an error.
func (r *Resolver) Resolve(ctx context.Context, pubkey string) []store.RelayRecord {
	entry, ok := r.cached(ctx, pubkey)
	if ok && time.Since(time.Unix(entry.FetchedAt, 0)) < r.cfg.CacheTTL() {
		return entry.Records
	}

	records, eventID, err := r.fetchBlocking(ctx, pubkey)
	if err != nil || records == nil {
		if err != nil {
			r.log.Debug("relay list fetch failed", "pubkey", pubkey, "error", err)
		}
		if ok {
			return entry.Records
		}
		return nil
	}

	r.save(ctx, pubkey, records, eventID)
	return records
}

// ResolveOwn returns the logged-in subject's relay set. When local data
// exists it is returned immediately and a non-blocking background refresh is
// triggered; a blocking fetch happens only when nothing is known locally, in
// which case either the fetched list or the default set is persisted.
func (r *Resolver) ResolveOwn(ctx context.Context, pubkey string) []store.RelayRecord {
	entry, ok := r.cached(ctx, pubkey)
	if ok && len(entry.Records) > 0 {
		go r.refreshOwn(pubkey, entry.Records)
		return entry.Records
	}

	records, eventID, err := r.fetchBlocking(ctx, pubkey)
	if err != nil || len(records) == 0 {
		if err != nil {
			r.log.Warn("own relay list fetch failed, using defaults", "error", err)
		} else {
			r.log.Info("no relay list record found, using defaults")
		}
		records = r.Defaults()
		eventID = ""
	}

	r.save(ctx, pubkey, records, eventID)
	return records
}

// UpdateFromEvent refreshes the cache from a relay-list event observed on a
// live subscription, merging with previously known capability metadata.
func (r *Resolver) UpdateFromEvent(ctx context.Context, event *nostr.Event) error {
	records, err := ParseRelayList(event)
	if err != nil {
		return err
	}

	if entry, ok := r.cached(ctx, event.PubKey); ok {
		records = MergeRecords(records, entry.Records)
	}
	r.save(ctx, event.PubKey, records, event.ID)
	return nil
}

// refreshOwn runs the background refresh for the subject's own list,
// preserving previously fetched capability metadata absent from the new
// record.
func (r *Resolver) refreshOwn(pubkey string, prev []store.RelayRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchTimeout())
	defer cancel()

	records, eventID, err := r.fetcher.FetchRelayList(ctx, pubkey)
	if err != nil || records == nil {
		return
	}

	r.save(ctx, pubkey, MergeRecords(records, prev), eventID)
}

func (r *Resolver) fetchBlocking(ctx context.Context, pubkey string) ([]store.RelayRecord, string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout())
	defer cancel()
	return r.fetcher.FetchRelayList(fetchCtx, pubkey)
}

func (r *Resolver) cached(ctx context.Context, pubkey string) (*store.RelayListEntry, bool) {
	var entry store.RelayListEntry
	ok, err := r.store.Get(ctx, store.RelayListKey(pubkey), &entry)
	if err != nil {
		r.log.Warn("failed to read relay list cache", "pubkey", pubkey, "error", err)
		return nil, false
	}
	return &entry, ok
}

func (r *Resolver) save(ctx context.Context, pubkey string, records []store.RelayRecord, eventID string) {
	entry := &store.RelayListEntry{
		Pubkey:    pubkey,
		Records:   records,
		EventID:   eventID,
		FetchedAt: time.Now().Unix(),
	}
	if err := r.store.Set(ctx, store.RelayListKey(pubkey), entry); err != nil {
		r.log.Warn("failed to cache relay list", "pubkey", pubkey, "error", err)
	}
}
