package broadcast

import (
	"context"
	"sync"

	"github.com/relayfan/outboxer/internal/store"
)

// History records which events were already accepted by at least one relay,
// so later routing passes skip them. It is bounded, oldest entries dropping
// first, and is persisted across restarts.
type History struct {
	store store.Store
	cap   int

	mu    sync.RWMutex
	index map[string]struct{}
	order []string
}

// NewHistory loads persisted broadcast history capped at cap entries
func NewHistory(ctx context.Context, st store.Store, cap int) (*History, error) {
	list, err := store.LoadIDList(ctx, st, store.KeyBroadcastHistory)
	if err != nil {
		return nil, err
	}

	h := &History{
		store: st,
		cap:   cap,
		index: make(map[string]struct{}, len(list.IDs)),
		order: list.IDs,
	}
	for _, id := range list.IDs {
		h.index[id] = struct{}{}
	}
	return h, nil
}

// Contains reports whether eventID was already broadcast
func (h *History) Contains(eventID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.index[eventID]
	return ok
}

// Mark records eventID as broadcast. Marking an already-present identifier is
// a no-op.
func (h *History) Mark(ctx context.Context, eventID string) error {
	h.mu.Lock()
	if _, ok := h.index[eventID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.index[eventID] = struct{}{}
	h.order = append(h.order, eventID)
	if h.cap > 0 && len(h.order) > h.cap {
		evicted := h.order[0]
		h.order = h.order[1:]
		delete(h.index, evicted)
	}
	h.mu.Unlock()

	return store.AppendID(ctx, h.store, store.KeyBroadcastHistory, eventID, h.cap)
}

// Len returns the number of recorded identifiers
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// Clear drops all in-memory and persisted history
func (h *History) Clear(ctx context.Context) error {
	h.mu.Lock()
	h.index = make(map[string]struct{})
	h.order = nil
	h.mu.Unlock()

	return h.store.Delete(ctx, store.KeyBroadcastHistory)
}
