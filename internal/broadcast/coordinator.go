package broadcast

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relayfan/outboxer/internal/config"
	"github.com/relayfan/outboxer/internal/ops"
	"github.com/relayfan/outboxer/internal/pool"
)

// Deliverer sends events over one relay session and reports per-event
// acknowledgements. Satisfied by the connection pool.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, events []*nostr.Event) (map[string]pool.Ack, error)
}

// pendingEvent is one routed event waiting for the next flush
type pendingEvent struct {
	event   *nostr.Event
	targets []string
}

// Coordinator batches routed events and flushes them to their target
// endpoints, either when the batch fills or on a fixed interval. A single
// flush cycle never carries more than one batch; the surplus stays pending
// for the next cycle. Targets are computed at submit time; deliveries to
// distinct endpoints run concurrently and fail independently. The first
// accepting relay marks an event as broadcast.
type Coordinator struct {
	cfg       *config.Broadcast
	deliverer Deliverer
	router    *Router
	history   *History
	stats     *ops.Stats
	log       *ops.Logger
	clock     clock.Clock

	mu      sync.Mutex
	pending []pendingEvent

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator creates a coordinator; call Start to begin interval flushing
func NewCoordinator(cfg *config.Broadcast, deliverer Deliverer, router *Router, history *History, stats *ops.Stats, log *ops.Logger, clk clock.Clock) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		deliverer: deliverer,
		router:    router,
		history:   history,
		stats:     stats,
		log:       log.WithComponent("coordinator"),
		clock:     clk,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the interval flush loop
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := c.clock.Ticker(c.cfg.BatchInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cycle()
		case <-c.kick:
			c.cycle()
		case <-c.done:
			return
		}
	}
}

// cycle runs one flush and re-arms the kick when what remains still fills a
// batch on its own.
func (c *Coordinator) cycle() {
	if c.flush(context.Background()) >= c.cfg.BatchSize {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Submit routes event and queues it for the next flush. It returns the number
// of endpoints the event was routed to; zero means the router dropped it.
func (c *Coordinator) Submit(ctx context.Context, event *nostr.Event) int {
	targets := c.router.TargetsFor(ctx, event)
	if len(targets) == 0 {
		return 0
	}

	c.mu.Lock()
	c.pending = append(c.pending, pendingEvent{event: event, targets: targets})
	full := len(c.pending) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return len(targets)
}

// Pending returns the number of events waiting for the next flush
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FlushNow synchronously delivers all pending events, one batch-sized cycle
// at a time.
func (c *Coordinator) FlushNow(ctx context.Context) {
	for c.flush(ctx) > 0 {
	}
}

// Stop flushes remaining events and stops the interval loop
func (c *Coordinator) Stop(ctx context.Context) {
	close(c.done)
	c.wg.Wait()
	for c.flush(ctx) > 0 {
	}
}

// flush takes at most one batch off the pending list, groups it by target
// endpoint and runs one delivery per endpoint. It returns the number of
// events still pending afterwards.
func (c *Coordinator) flush(ctx context.Context) int {
	c.mu.Lock()
	n := len(c.pending)
	if n > c.cfg.BatchSize {
		n = c.cfg.BatchSize
	}
	batch := c.pending[:n:n]
	c.pending = append([]pendingEvent(nil), c.pending[n:]...)
	remaining := len(c.pending)
	c.mu.Unlock()

	if len(batch) == 0 {
		return remaining
	}

	groups := make(map[string][]*nostr.Event)
	for _, item := range batch {
		for _, endpoint := range item.targets {
			groups[endpoint] = append(groups[endpoint], item.event)
		}
	}

	var wg sync.WaitGroup
	for endpoint, events := range groups {
		wg.Add(1)
		go func(endpoint string, events []*nostr.Event) {
			defer wg.Done()
			c.deliver(ctx, endpoint, events)
		}(endpoint, events)
	}
	wg.Wait()
	return remaining
}

// deliver sends one endpoint's share of the batch and processes its acks
func (c *Coordinator) deliver(ctx context.Context, endpoint string, events []*nostr.Event) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout())
	defer cancel()

	c.stats.Incr(ctx, ops.StatBroadcastsAttempted, int64(len(events)))

	acks, err := c.deliverer.Deliver(dctx, endpoint, events)

	accepted, rejected := 0, 0
	for _, ev := range events {
		ack, ok := acks[ev.ID]
		if !ok {
			continue
		}
		if ack.Accepted {
			accepted++
			c.stats.Incr(ctx, ops.StatBroadcastsAccepted, 1)
			if markErr := c.history.Mark(ctx, ev.ID); markErr != nil {
				c.log.Warn("failed to record broadcast", "event", ev.ID, "error", markErr)
			}
		} else {
			rejected++
			c.stats.Incr(ctx, ops.StatBroadcastsRejected, 1)
			c.log.Debug("event rejected", "relay", endpoint, "event", ev.ID, "reason", ack.Reason)
		}
	}

	c.log.LogBroadcast(endpoint, len(events), accepted, rejected, err)
}
