package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relayfan/outboxer/internal/config"
	"github.com/relayfan/outboxer/internal/ops"
	"github.com/relayfan/outboxer/internal/store"
)

// State is the lifecycle state of one endpoint's connection
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// mentionKinds is the allow-list of kinds subscribed on read-capable relays
// for events tagging the subject.
var mentionKinds = []int{
	nostr.KindTextNote,
	nostr.KindEncryptedDirectMessage,
	nostr.KindRepost,
	nostr.KindReaction,
	nostr.KindZap,
}

// IncomingEvent is one protocol EVENT frame with its source endpoint
type IncomingEvent struct {
	Endpoint string
	Event    *nostr.Event
}

// Ack is one relay's OK response to a sent event
type Ack struct {
	Accepted bool
	Reason   string
}

// entry is the connection table row for one endpoint
type entry struct {
	state   State
	conn    *Conn
	subject string
	read    bool
	write   bool
	eose    bool
	lastErr error
}

// Pool owns one persistent session per relay endpoint, the reconnect/backoff
// machinery and the inbound event stream.
type Pool struct {
	cfg   *config.Pool
	log   *ops.Logger
	clock clock.Clock

	mu     sync.RWMutex
	conns  map[string]*entry
	closed bool

	failures *failureTable
	events   chan IncomingEvent
}

// New creates an empty connection pool
func New(cfg *config.Pool, log *ops.Logger, clk clock.Clock) *Pool {
	return &Pool{
		cfg:   cfg,
		log:   log.WithComponent("pool"),
		clock: clk,
		conns: make(map[string]*entry),
		failures: newFailureTable(clk, cfg.BackoffBase(),
			cfg.MaxReconnectAttempts, cfg.Cooldown()),
		events: make(chan IncomingEvent, 1024),
	}
}

// Events is the stream of EVENT frames received on subscribed endpoints
func (p *Pool) Events() <-chan IncomingEvent {
	return p.events
}

// Connect establishes one session to endpoint, subscribed with
// capability-appropriate filters for subject: author-authored events on
// write-capable relays, mention-tagged events (allow-listed kinds) on
// read-capable relays. It returns once the session is open and subscribed or
// the connect timeout elapses.
func (p *Pool) Connect(ctx context.Context, endpoint, subject string, read, write bool) error {
	endpoint = nostr.NormalizeURL(endpoint)

	if !p.failures.available(endpoint) {
		return fmt.Errorf("endpoint %s is cooling down after repeated failures", endpoint)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool is closed")
	}
	if e, ok := p.conns[endpoint]; ok && (e.state == StateOpen || e.state == StateConnecting) {
		p.mu.Unlock()
		return nil
	}
	e := &entry{state: StateConnecting, subject: subject, read: read, write: write}
	p.conns[endpoint] = e
	p.mu.Unlock()

	if err := p.open(ctx, endpoint, e); err != nil {
		p.noteFailure(endpoint, e, err)
		return err
	}
	return nil
}

// ConnectAll connects to every record of a relay set. Per-endpoint failures
// are independent; endpoints in cooldown are skipped. Returns the number of
// sessions opened.
func (p *Pool) ConnectAll(ctx context.Context, subject string, records []store.RelayRecord) int {
	opened := 0
	for _, rec := range records {
		if err := p.Connect(ctx, rec.URL, subject, rec.Read, rec.Write); err != nil {
			p.log.Warn("connect failed", "relay", rec.URL, "error", err)
			continue
		}
		opened++
	}
	return opened
}

// open dials and subscribes one endpoint, updating the connection table
func (p *Pool) open(ctx context.Context, endpoint string, e *entry) error {
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout())
		defer cancel()
	}

	conn, err := dial(dialCtx, endpoint, connHandlers{
		onEvent: p.handleEvent,
		onEOSE:  p.handleEOSE,
		onClose: p.handleClose,
	}, p.log)
	if err != nil {
		return err
	}

	if err := conn.subscribe(p.buildFilters(e.subject, e.read, e.write)); err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	e.conn = conn
	e.state = StateOpen
	e.lastErr = nil
	p.mu.Unlock()

	p.failures.reset(endpoint)
	p.log.LogRelayConnection(endpoint, true, nil)
	return nil
}

// noteFailure records a connect failure; failed endpoints are skipped on
// subsequent ConnectAll calls until the cooldown expires.
func (p *Pool) noteFailure(endpoint string, e *entry, err error) {
	_, gaveUp := p.failures.recordFailure(endpoint, err)

	p.mu.Lock()
	e.lastErr = err
	if gaveUp {
		e.state = StateFailed
	} else {
		e.state = StateClosed
	}
	p.mu.Unlock()

	p.log.LogRelayConnection(endpoint, false, err)
}

// buildFilters returns the subscription filters for one endpoint's
// capabilities.
func (p *Pool) buildFilters(subject string, read, write bool) nostr.Filters {
	var filters nostr.Filters
	if write {
		filters = append(filters, nostr.Filter{
			Authors: []string{subject},
		})
	}
	if read {
		filters = append(filters, nostr.Filter{
			Kinds: mentionKinds,
			Tags:  nostr.TagMap{"p": []string{subject}},
		})
	}
	return filters
}

func (p *Pool) handleEvent(endpoint string, ev *nostr.Event) {
	select {
	case p.events <- IncomingEvent{Endpoint: endpoint, Event: ev}:
	default:
		p.log.Warn("event buffer full, dropping frame", "relay", endpoint)
	}
}

func (p *Pool) handleEOSE(endpoint string) {
	p.mu.Lock()
	if e, ok := p.conns[endpoint]; ok {
		e.eose = true
	}
	p.mu.Unlock()
	p.log.Debug("end of stored events", "relay", endpoint)
}

// handleClose reacts to a session ending. Normal and going-away closures are
// terminal; anything else schedules a reconnect with exponential backoff
// until the attempt cap, after which the endpoint is failed for the cooldown
// window.
func (p *Pool) handleClose(endpoint string, err error, normal bool) {
	p.mu.Lock()
	e, ok := p.conns[endpoint]
	if !ok || p.closed {
		p.mu.Unlock()
		return
	}
	e.conn = nil
	e.eose = false
	if normal {
		e.state = StateClosed
		p.mu.Unlock()
		p.log.LogRelayConnection(endpoint, false, nil)
		return
	}
	e.state = StateReconnecting
	e.lastErr = err
	p.mu.Unlock()

	retryIn, gaveUp := p.failures.recordFailure(endpoint, err)
	if gaveUp {
		p.mu.Lock()
		e.state = StateFailed
		p.mu.Unlock()
		p.log.Warn("endpoint failed, entering cooldown", "relay", endpoint, "error", err)
		return
	}

	p.log.Info("scheduling reconnect", "relay", endpoint, "in", retryIn.String())
	p.clock.AfterFunc(retryIn, func() { p.reconnect(endpoint) })
}

// reconnect is the deferred retry for one endpoint. A saturated attempt
// counter (manual disconnect, or the cap reached meanwhile) makes it a no-op.
func (p *Pool) reconnect(endpoint string) {
	if p.failures.attemptsFor(endpoint) >= p.cfg.MaxReconnectAttempts {
		return
	}

	p.mu.Lock()
	e, ok := p.conns[endpoint]
	if !ok || p.closed || e.state != StateReconnecting {
		p.mu.Unlock()
		return
	}
	e.state = StateConnecting
	p.mu.Unlock()

	if err := p.open(context.Background(), endpoint, e); err != nil {
		retryIn, gaveUp := p.failures.recordFailure(endpoint, err)
		p.mu.Lock()
		e.lastErr = err
		if gaveUp {
			e.state = StateFailed
		} else {
			e.state = StateReconnecting
		}
		p.mu.Unlock()
		p.log.LogRelayConnection(endpoint, false, err)
		if gaveUp {
			p.log.Warn("endpoint failed, entering cooldown", "relay", endpoint, "error", err)
			return
		}
		p.clock.AfterFunc(retryIn, func() { p.reconnect(endpoint) })
	}
}

// Disconnect closes every session with a normal-closure code, suppresses all
// scheduled reconnects and clears buffered events.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, e := range p.conns {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
		e.state = StateClosed
		e.conn = nil
	}
	p.mu.Unlock()

	// pending reconnect timers become no-ops
	p.failures.saturate()

	for _, c := range conns {
		c.unsubscribe()
		c.Close()
	}

	// drop buffered events
	for {
		select {
		case <-p.events:
		default:
			return
		}
	}
}

// Connected returns the endpoints with currently open sessions
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.conns))
	for endpoint, e := range p.conns {
		if e.state == StateOpen {
			out = append(out, endpoint)
		}
	}
	return out
}

// Deliver sends events over one session to endpoint and collects per-event OK
// acknowledgements until every sent event is acknowledged or ctx expires.
// When no subscribed session to endpoint is open, a short-lived session is
// dialed and closed afterwards. The returned map only holds events that were
// acknowledged; an error reports transport-level failure, never a rejection.
func (p *Pool) Deliver(ctx context.Context, endpoint string, events []*nostr.Event) (map[string]Ack, error) {
	endpoint = nostr.NormalizeURL(endpoint)
	acks := make(map[string]Ack, len(events))

	p.mu.RLock()
	var conn *Conn
	if e, ok := p.conns[endpoint]; ok && e.state == StateOpen {
		conn = e.conn
	}
	p.mu.RUnlock()

	ephemeral := conn == nil
	if ephemeral {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout())
		c, err := dial(dialCtx, endpoint, connHandlers{}, p.log)
		cancel()
		if err != nil {
			return acks, err
		}
		conn = c
		defer conn.Close()
	}

	type okMsg struct {
		id       string
		accepted bool
		reason   string
	}
	ch := make(chan okMsg, len(events))

	sent := 0
	for _, ev := range events {
		id := ev.ID
		conn.registerOK(id, func(accepted bool, reason string) {
			select {
			case ch <- okMsg{id: id, accepted: accepted, reason: reason}:
			default:
			}
		})
		defer conn.unregisterOK(id)

		if err := conn.sendEvent(ev); err != nil {
			return acks, err
		}
		sent++
	}

	for pending := sent; pending > 0; {
		select {
		case msg := <-ch:
			acks[msg.id] = Ack{Accepted: msg.accepted, Reason: msg.reason}
			pending--
		case <-conn.Done():
			return acks, fmt.Errorf("connection to %s closed during delivery", endpoint)
		case <-ctx.Done():
			return acks, nil
		}
	}
	return acks, nil
}

// Failures returns failure bookkeeping for every endpoint that has one
func (p *Pool) Failures() []EndpointFailure {
	return p.failures.snapshot()
}

// EndpointStatus is a best-effort view of one endpoint's connection
type EndpointStatus struct {
	Endpoint  string
	State     string
	EOSE      bool
	Attempts  int
	LastError string
}

// Status reports best-effort connection health for every known endpoint
func (p *Pool) Status() (connected int, endpoints []EndpointStatus) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	endpoints = make([]EndpointStatus, 0, len(p.conns))
	for endpoint, e := range p.conns {
		st := EndpointStatus{
			Endpoint: endpoint,
			State:    e.state.String(),
			EOSE:     e.eose,
			Attempts: p.failures.attemptsFor(endpoint),
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		if e.state == StateOpen {
			connected++
		}
		endpoints = append(endpoints, st)
	}
	return connected, endpoints
}
