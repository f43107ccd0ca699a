package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/relayfan/outboxer/internal/broadcast"
	"github.com/relayfan/outboxer/internal/config"
	nostrclient "github.com/relayfan/outboxer/internal/nostr"
	"github.com/relayfan/outboxer/internal/ops"
	"github.com/relayfan/outboxer/internal/pool"
	"github.com/relayfan/outboxer/internal/store"
)

// Engine is one broadcast-routing instance: it owns the store, the relay
// connection pool, the relay-list resolver and the broadcast pipeline for a
// single logged-in subject. All state is held on the instance; two engines
// can coexist in one process.
type Engine struct {
	cfg   *config.Config
	log   *ops.Logger
	clock clock.Clock

	store    store.Store
	stats    *ops.Stats
	client   *nostrclient.Client
	resolver *nostrclient.Resolver
	infos    *nostrclient.InfoCache

	mu       sync.Mutex
	subject  string
	loggedIn bool
	scanning bool

	pool        *pool.Pool
	graph       *broadcast.Graph
	dedup       *broadcast.Deduper
	history     *broadcast.History
	coordinator *broadcast.Coordinator

	pipelineDone chan struct{}
	wg           sync.WaitGroup
}

// New creates an engine from configuration. The store is opened and the
// metadata client is dialed lazily; no relay sessions exist until Login.
func New(ctx context.Context, cfg *config.Config, log *ops.Logger, clk clock.Clock) (*Engine, error) {
	st, err := store.New(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client := nostrclient.NewClient(ctx, &cfg.Relays)
	resolver := nostrclient.NewResolver(st, client, &cfg.Resolver, cfg.Relays.Defaults, log)

	return &Engine{
		cfg:      cfg,
		log:      log.WithComponent("engine"),
		clock:    clk,
		store:    st,
		stats:    ops.NewStats(st, log),
		client:   client,
		resolver: resolver,
		infos:    nostrclient.NewInfoCache(st),
	}, nil
}

// Login decodes the configured identity, resolves the subject's relay set,
// connects the pool and starts the broadcast pipeline.
func (e *Engine) Login(ctx context.Context) error {
	e.mu.Lock()
	if e.loggedIn {
		e.mu.Unlock()
		return fmt.Errorf("already logged in")
	}
	e.mu.Unlock()

	subject, err := decodeNpub(e.cfg.Identity.Npub)
	if err != nil {
		return err
	}

	session, err := e.loadSession(ctx, subject)
	if err != nil {
		return err
	}

	records := e.resolver.ResolveOwn(ctx, subject)
	if len(records) == 0 {
		return fmt.Errorf("no relay set could be resolved for %s", subject)
	}

	p := pool.New(&e.cfg.Pool, e.log, e.clock)
	opened := p.ConnectAll(ctx, subject, records)
	if opened == 0 {
		p.Disconnect()
		return fmt.Errorf("could not open a session to any of %d relays", len(records))
	}

	graph, err := broadcast.NewGraph(ctx, e.store, subject)
	if err != nil {
		p.Disconnect()
		return err
	}
	dedup, err := broadcast.NewDeduper(ctx, e.store, e.cfg.Broadcast.TrackCap, e.cfg.Broadcast.SeenCap)
	if err != nil {
		p.Disconnect()
		return err
	}
	history, err := broadcast.NewHistory(ctx, e.store, e.cfg.Broadcast.HistoryCap)
	if err != nil {
		p.Disconnect()
		return err
	}

	router := broadcast.NewRouter(subject, session.FirstLoginAt, e.resolver, graph, history, p.Connected, e.log)
	coordinator := broadcast.NewCoordinator(&e.cfg.Broadcast, p, router, history, e.stats, e.log, e.clock)

	e.mu.Lock()
	e.subject = subject
	e.pool = p
	e.graph = graph
	e.dedup = dedup
	e.history = history
	e.coordinator = coordinator
	e.pipelineDone = make(chan struct{})
	e.loggedIn = true
	e.mu.Unlock()

	coordinator.Start()
	e.wg.Add(1)
	go e.pipeline()

	go e.cacheRelayInfo(records)

	// seed the contact graph so identity-critical fan-out works before any
	// live kind 3 arrives
	if ev := e.client.FetchLatest(ctx, e.client.Seeds(), subject, nostr.KindFollowList, e.cfg.Resolver.FetchTimeout()); ev != nil {
		if err := graph.ProcessContactList(ctx, ev); err != nil {
			e.log.Warn("failed to process contact list", "error", err)
		}
	}

	e.log.Info("logged in", "subject", subject, "relays", opened, "contacts", graph.Size())
	return nil
}

// Logout flushes pending broadcasts, disconnects every relay session and
// clears broadcast history and the seen index.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	if !e.loggedIn {
		e.mu.Unlock()
		return fmt.Errorf("not logged in")
	}
	coordinator := e.coordinator
	p := e.pool
	dedup := e.dedup
	history := e.history
	done := e.pipelineDone
	e.loggedIn = false
	e.mu.Unlock()

	coordinator.Stop(ctx)
	close(done)
	e.wg.Wait()
	p.Disconnect()

	if err := history.Clear(ctx); err != nil {
		e.log.Warn("failed to clear broadcast history", "error", err)
	}
	if err := dedup.Clear(ctx); err != nil {
		e.log.Warn("failed to clear seen index", "error", err)
	}

	e.log.Info("logged out", "subject", e.subject)
	return nil
}

// ScanNow forces an immediate relay-set refresh: the subject's relay list and
// contact list are refetched and sessions are opened to any newly advertised
// endpoints. Rejected while not logged in or while a scan is running.
func (e *Engine) ScanNow(ctx context.Context) error {
	e.mu.Lock()
	if !e.loggedIn {
		e.mu.Unlock()
		return fmt.Errorf("not logged in")
	}
	if e.scanning {
		e.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}
	e.scanning = true
	subject := e.subject
	p := e.pool
	graph := e.graph
	coordinator := e.coordinator
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
	}()

	e.stats.Incr(ctx, ops.StatScans, 1)

	records := e.resolver.ResolveOwn(ctx, subject)
	opened := p.ConnectAll(ctx, subject, records)
	go e.cacheRelayInfo(records)

	if ev := e.client.FetchLatest(ctx, e.client.Seeds(), subject, nostr.KindFollowList, e.cfg.Resolver.FetchTimeout()); ev != nil {
		if err := graph.ProcessContactList(ctx, ev); err != nil {
			e.log.Warn("failed to process contact list", "error", err)
		}
	}

	coordinator.FlushNow(ctx)

	e.log.Info("scan complete", "subject", subject, "relays", opened, "contacts", graph.Size())
	return nil
}

// Status is a point-in-time view of the engine
type Status struct {
	LoggedIn          bool
	Subject           string
	Connected         int
	Endpoints         []pool.EndpointStatus
	Failures          []pool.EndpointFailure
	PendingBroadcasts int
	HistorySize       int
	Contacts          int
	Stats             map[string]int64
}

// Status reports connection health, pipeline depth and counters
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	st := Status{
		LoggedIn: e.loggedIn,
		Subject:  e.subject,
	}
	p := e.pool
	coordinator := e.coordinator
	history := e.history
	graph := e.graph
	e.mu.Unlock()

	if p != nil {
		st.Connected, st.Endpoints = p.Status()
		st.Failures = p.Failures()
	}
	if coordinator != nil {
		st.PendingBroadcasts = coordinator.Pending()
	}
	if history != nil {
		st.HistorySize = history.Len()
	}
	if graph != nil {
		st.Contacts = graph.Size()
	}
	st.Stats = e.stats.Snapshot(ctx)
	return st
}

// Close releases the engine's resources, logging out first when needed
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	loggedIn := e.loggedIn
	e.mu.Unlock()

	if loggedIn {
		if err := e.Logout(ctx); err != nil {
			e.log.Warn("logout during close failed", "error", err)
		}
	}

	e.client.Close()
	return e.store.Close()
}

// pipeline consumes the pool's inbound event stream
func (e *Engine) pipeline() {
	defer e.wg.Done()

	events := e.pool.Events()
	for {
		select {
		case ie := <-events:
			e.processEvent(context.Background(), ie)
		case <-e.pipelineDone:
			return
		}
	}
}

// processEvent runs one inbound event through dedup, side effects and routing
func (e *Engine) processEvent(ctx context.Context, ie pool.IncomingEvent) {
	ev := ie.Event
	e.stats.Incr(ctx, ops.StatEventsSeen, 1)

	if !broadcast.Trackable(ev, e.subject) {
		return
	}

	first, err := e.dedup.Observe(ctx, ev.ID, ie.Endpoint)
	if err != nil {
		e.log.Warn("failed to persist seen index", "event", ev.ID, "error", err)
	}
	if !first {
		e.stats.Incr(ctx, ops.StatDuplicates, 1)
		return
	}

	switch ev.Kind {
	case nostr.KindFollowList:
		if err := e.graph.ProcessContactList(ctx, ev); err != nil {
			e.log.Warn("failed to process contact list", "event", ev.ID, "error", err)
		}
	case nostr.KindRelayListMetadata:
		if err := e.resolver.UpdateFromEvent(ctx, ev); err != nil {
			e.log.Warn("failed to update relay list", "event", ev.ID, "error", err)
		}
	}

	if n := e.coordinator.Submit(ctx, ev); n > 0 {
		e.log.Debug("event routed", "event", ev.ID, "kind", ev.Kind, "targets", n)
	}
}

// cacheRelayInfo fetches NIP-11 capability documents for a relay set.
// Best-effort: failures only surface at debug level.
func (e *Engine) cacheRelayInfo(records []store.RelayRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, rec := range records {
		info, err := e.infos.Get(ctx, rec.URL)
		if err != nil || info == nil {
			continue
		}
		e.log.Debug("relay capabilities", "relay", rec.URL,
			"name", info.Name, "software", info.Software, "nips", info.SupportedNIPs)
	}
}

// loadSession loads or creates the subject's session record. FirstLoginAt is
// set exactly once and anchors the rebroadcast cutoff.
func (e *Engine) loadSession(ctx context.Context, subject string) (*store.SessionRecord, error) {
	now := e.clock.Now().Unix()

	var session store.SessionRecord
	found, err := e.store.Get(ctx, store.SessionKey(subject), &session)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		session = store.SessionRecord{Pubkey: subject, FirstLoginAt: now}
	}
	session.LastLoginAt = now

	if err := e.store.Set(ctx, store.SessionKey(subject), &session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return &session, nil
}

// decodeNpub decodes a bech32 npub into a hex pubkey
func decodeNpub(npub string) (string, error) {
	prefix, value, err := nip19.Decode(npub)
	if err != nil {
		return "", fmt.Errorf("invalid npub: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected an npub, got %s", prefix)
	}
	pubkey, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected npub payload type %T", value)
	}
	return pubkey, nil
}
