package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/relayfan/outboxer/internal/nostr"
	"github.com/relayfan/outboxer/internal/store"
)

// graphRecord is the persisted form of the subject's contact graph
type graphRecord struct {
	Contacts  []graphContact `json:"contacts"`
	CreatedAt int64          `json:"created_at"`
	EventID   string         `json:"event_id,omitempty"`
}

type graphContact struct {
	Pubkey    string `json:"pubkey"`
	RelayHint string `json:"relay_hint,omitempty"`
}

// Graph holds the subject's social graph from their kind 3 contact list.
// Kind 3 is replaceable: only a newer event replaces the current graph.
type Graph struct {
	store   store.Store
	subject string

	mu        sync.RWMutex
	contacts  []nostrclient.Contact
	createdAt int64
}

// NewGraph loads the subject's persisted contact graph, if any
func NewGraph(ctx context.Context, st store.Store, subject string) (*Graph, error) {
	g := &Graph{store: st, subject: subject}

	var rec graphRecord
	found, err := st.Get(ctx, store.GraphKey(subject), &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact graph: %w", err)
	}
	if found {
		g.createdAt = rec.CreatedAt
		g.contacts = make([]nostrclient.Contact, 0, len(rec.Contacts))
		for _, c := range rec.Contacts {
			g.contacts = append(g.contacts, nostrclient.Contact{
				Pubkey:    c.Pubkey,
				RelayHint: c.RelayHint,
			})
		}
	}
	return g, nil
}

// ProcessContactList replaces the graph from a kind 3 event authored by the
// subject. Contact lists from other authors and events older than the current
// graph are ignored.
func (g *Graph) ProcessContactList(ctx context.Context, event *nostr.Event) error {
	if event.PubKey != g.subject {
		return nil
	}

	contacts, err := nostrclient.ParseContacts(event)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if int64(event.CreatedAt) < g.createdAt {
		g.mu.Unlock()
		return nil
	}
	g.contacts = contacts
	g.createdAt = int64(event.CreatedAt)
	g.mu.Unlock()

	rec := graphRecord{
		Contacts:  make([]graphContact, 0, len(contacts)),
		CreatedAt: int64(event.CreatedAt),
		EventID:   event.ID,
	}
	for _, c := range contacts {
		rec.Contacts = append(rec.Contacts, graphContact{
			Pubkey:    c.Pubkey,
			RelayHint: c.RelayHint,
		})
	}

	if err := g.store.Set(ctx, store.GraphKey(g.subject), &rec); err != nil {
		return fmt.Errorf("failed to save contact graph: %w", err)
	}
	return nil
}

// Contacts returns a snapshot of the subject's direct follows
func (g *Graph) Contacts() []nostrclient.Contact {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]nostrclient.Contact, len(g.contacts))
	copy(out, g.contacts)
	return out
}

// Size returns the number of contacts in the graph
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.contacts)
}

// Clear drops the in-memory and persisted graph
func (g *Graph) Clear(ctx context.Context) error {
	g.mu.Lock()
	g.contacts = nil
	g.createdAt = 0
	g.mu.Unlock()

	return g.store.Delete(ctx, store.GraphKey(g.subject))
}
