package broadcast

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/relayfan/outboxer/internal/nostr"
	"github.com/relayfan/outboxer/internal/ops"
	"github.com/relayfan/outboxer/internal/store"
)

// RelayResolver resolves a pubkey's advertised relay set
type RelayResolver interface {
	Resolve(ctx context.Context, pubkey string) []store.RelayRecord
}

// mentionRoutable are the kinds a mention of the subject is rebroadcast for
var mentionRoutable = map[int]bool{
	nostr.KindTextNote:               true,
	nostr.KindEncryptedDirectMessage: true,
	nostr.KindRepost:                 true,
	nostr.KindReaction:               true,
	nostr.KindZap:                    true,
}

// identityKind reports whether a kind carries identity-critical state that
// should reach the subject's whole audience, not just tagged parties.
func identityKind(kind int) bool {
	return kind == nostr.KindProfileMetadata || kind == nostr.KindRelayListMetadata
}

// Router decides, per event, which relay endpoints a broadcast should reach
// under the outbox model: authored events go to the author's write relays
// and to tagged subjects' read relays, mentions of the subject go to the
// subject's read relays, and identity-critical events fan out to every
// contact's read relays.
type Router struct {
	subject    string
	firstLogin int64
	resolver   RelayResolver
	graph      *Graph
	history    *History
	connected  func() []string
	log        *ops.Logger
}

// NewRouter creates a router for the logged-in subject. firstLogin is the
// unix time of the subject's first session; events older than it are never
// rebroadcast. connected supplies the endpoints with live sessions, which are
// excluded from targets.
func NewRouter(subject string, firstLogin int64, resolver RelayResolver, graph *Graph, history *History, connected func() []string, log *ops.Logger) *Router {
	return &Router{
		subject:    subject,
		firstLogin: firstLogin,
		resolver:   resolver,
		graph:      graph,
		history:    history,
		connected:  connected,
		log:        log.WithComponent("router"),
	}
}

// TargetsFor returns the endpoints event should be broadcast to, normalized
// and deduplicated, with currently connected endpoints removed. A nil result
// means the event is not broadcast. TargetsFor is pure with respect to
// broadcast state: it never marks history itself.
func (r *Router) TargetsFor(ctx context.Context, event *nostr.Event) []string {
	if r.history.Contains(event.ID) {
		return nil
	}
	if int64(event.CreatedAt) < r.firstLogin {
		return nil
	}

	authored := event.PubKey == r.subject
	tagged := nostrclient.IsTagged(event, r.subject)

	var targets []string
	switch {
	case !authored && tagged:
		if !mentionRoutable[event.Kind] {
			return nil
		}
		// a mention of the subject goes to the subject's read relays so
		// every inbox relay carries it
		targets = nostrclient.ReadURLs(r.resolver.Resolve(ctx, r.subject))

	case !authored:
		return nil

	case identityKind(event.Kind):
		targets = nostrclient.WriteURLs(r.resolver.Resolve(ctx, r.subject))
		for _, contact := range r.graph.Contacts() {
			if contact.RelayHint != "" {
				targets = append(targets, contact.RelayHint)
			}
			targets = append(targets, nostrclient.ReadURLs(r.resolver.Resolve(ctx, contact.Pubkey))...)
		}

	default:
		targets = nostrclient.WriteURLs(r.resolver.Resolve(ctx, r.subject))
		for _, pubkey := range nostrclient.TaggedPubkeys(event) {
			if pubkey == r.subject {
				continue
			}
			targets = append(targets, nostrclient.ReadURLs(r.resolver.Resolve(ctx, pubkey))...)
		}
	}

	return r.finalize(targets)
}

// finalize normalizes, deduplicates and strips currently connected endpoints
func (r *Router) finalize(targets []string) []string {
	if len(targets) == 0 {
		return nil
	}

	exclude := make(map[string]bool)
	for _, ep := range r.connected() {
		exclude[nostr.NormalizeURL(ep)] = true
	}

	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		u := nostr.NormalizeURL(t)
		if u == "" || seen[u] || exclude[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
