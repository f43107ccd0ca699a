package store

import (
	"context"
	"fmt"
)

// Key namespaces. Every record the engine persists lives under one of these.
const (
	KeyBroadcastHistory = "broadcast/history"
	KeySeenEvents       = "broadcast/seen"
)

// SessionKey returns the key of the subject's session record
func SessionKey(pubkey string) string {
	return "session/" + pubkey
}

// RelayListKey returns the key of a pubkey's cached relay list
func RelayListKey(pubkey string) string {
	return "relaylist/" + pubkey
}

// GraphKey returns the key of the subject's contact graph record
func GraphKey(pubkey string) string {
	return "graph/" + pubkey
}

// StatKey returns the key of a named statistics counter
func StatKey(name string) string {
	return "stats/" + name
}

// SessionRecord tracks the logged-in subject across restarts
type SessionRecord struct {
	Pubkey       string `json:"pubkey"`
	FirstLoginAt int64  `json:"first_login_at"`
	LastLoginAt  int64  `json:"last_login_at"`
}

// RelayRecord is one endpoint of a subject's advertised relay set
type RelayRecord struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayListEntry is a cached kind-10002 relay list for one pubkey
type RelayListEntry struct {
	Pubkey    string        `json:"pubkey"`
	Records   []RelayRecord `json:"records"`
	EventID   string        `json:"event_id,omitempty"`
	FetchedAt int64         `json:"fetched_at"`
}

// IDList is a bounded ordered set of event identifiers, oldest first
type IDList struct {
	IDs []string `json:"ids"`
}

// Contains reports whether id is present
func (l *IDList) Contains(id string) bool {
	for _, v := range l.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// LoadIDList reads the list stored under key, returning an empty list when absent
func LoadIDList(ctx context.Context, s Store, key string) (*IDList, error) {
	var list IDList
	if _, err := s.Get(ctx, key, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// AppendID appends id to the list stored under key, dropping oldest entries
// beyond cap. The store offers no transactions; this is a plain
// read-modify-write and is not atomic across processes.
func AppendID(ctx context.Context, s Store, key, id string, cap int) error {
	list, err := LoadIDList(ctx, s, key)
	if err != nil {
		return err
	}
	if list.Contains(id) {
		return nil
	}

	list.IDs = append(list.IDs, id)
	if cap > 0 && len(list.IDs) > cap {
		list.IDs = list.IDs[len(list.IDs)-cap:]
	}
	return s.Set(ctx, key, list)
}

// SaveIDList replaces the list stored under key, enforcing cap
func SaveIDList(ctx context.Context, s Store, key string, ids []string, cap int) error {
	if cap > 0 && len(ids) > cap {
		ids = ids[len(ids)-cap:]
	}
	return s.Set(ctx, key, &IDList{IDs: ids})
}

// counterRecord wraps a single statistics counter value
type counterRecord struct {
	Value int64 `json:"value"`
}

// IncrCounter adds delta to the named statistics counter and returns the new
// value. Same read-modify-write limits as AppendID.
func IncrCounter(ctx context.Context, s Store, name string, delta int64) (int64, error) {
	key := StatKey(name)

	var rec counterRecord
	if _, err := s.Get(ctx, key, &rec); err != nil {
		return 0, err
	}

	rec.Value += delta
	if err := s.Set(ctx, key, &rec); err != nil {
		return 0, fmt.Errorf("failed to update counter %q: %w", name, err)
	}
	return rec.Value, nil
}

// ReadCounter returns the current value of the named statistics counter
func ReadCounter(ctx context.Context, s Store, name string) (int64, error) {
	var rec counterRecord
	if _, err := s.Get(ctx, StatKey(name), &rec); err != nil {
		return 0, err
	}
	return rec.Value, nil
}
