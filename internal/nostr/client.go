package nostr

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/relayfan/outboxer/internal/config"
)

// Client wraps a go-nostr SimplePool for the short-lived metadata fetches the
// resolver performs (relay lists, contact lists). Persistent subscriptions and
// broadcast delivery go through the connection pool instead.
type Client struct {
	pool   *nostr.SimplePool
	relays *config.Relays
}

// NewClient creates a metadata fetch client. The pool lives until ctx is
// cancelled.
func NewClient(ctx context.Context, relays *config.Relays) *Client {
	return &Client{
		pool:   nostr.NewSimplePool(ctx),
		relays: relays,
	}
}

// Seeds returns the configured seed relays
func (c *Client) Seeds() []string {
	if c.relays == nil {
		return nil
	}
	return c.relays.Seeds
}

// FetchEvents fetches events from the given relays matching the filter,
// waiting for EOSE from each relay or ctx expiry.
func (c *Client) FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	events := make([]*nostr.Event, 0)
	for relayEvent := range c.pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		if relayEvent.Event != nil {
			events = append(events, relayEvent.Event)
		}
	}
	return events, nil
}

// FetchLatest fetches the newest event of the given kind authored by pubkey
func (c *Client) FetchLatest(ctx context.Context, relays []string, pubkey string, kind int, timeout time.Duration) *nostr.Event {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{kind},
		Authors: []string{pubkey},
		Limit:   1,
	}

	events, err := c.FetchEvents(fetchCtx, relays, filter)
	if err != nil || len(events) == 0 {
		return nil
	}

	latest := events[0]
	for _, ev := range events[1:] {
		if ev.CreatedAt > latest.CreatedAt {
			latest = ev
		}
	}
	return latest
}

// Close closes all pooled fetch connections
func (c *Client) Close() {
	c.pool.Close("shutting down")
}
