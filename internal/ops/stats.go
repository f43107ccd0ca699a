package ops

import (
	"context"

	"github.com/relayfan/outboxer/internal/store"
)

// Counter names persisted under the stats/ namespace
const (
	StatEventsSeen          = "events_seen"
	StatDuplicates          = "duplicates"
	StatBroadcastsAttempted = "broadcasts_attempted"
	StatBroadcastsAccepted  = "broadcasts_accepted"
	StatBroadcastsRejected  = "broadcasts_rejected"
	StatScans               = "scans"
)

var statNames = []string{
	StatEventsSeen,
	StatDuplicates,
	StatBroadcastsAttempted,
	StatBroadcastsAccepted,
	StatBroadcastsRejected,
	StatScans,
}

// Stats persists engine statistics counters through the key-value store.
// Increment failures are logged and swallowed; counters are best-effort.
type Stats struct {
	store store.Store
	log   *Logger
}

// NewStats creates a stats recorder backed by the given store
func NewStats(st store.Store, log *Logger) *Stats {
	return &Stats{store: st, log: log.WithComponent("stats")}
}

// Incr adds delta to the named counter
func (s *Stats) Incr(ctx context.Context, name string, delta int64) {
	if _, err := store.IncrCounter(ctx, s.store, name, delta); err != nil {
		s.log.Warn("failed to update counter", "counter", name, "error", err)
	}
}

// Snapshot returns the current value of every known counter
func (s *Stats) Snapshot(ctx context.Context) map[string]int64 {
	out := make(map[string]int64, len(statNames))
	for _, name := range statNames {
		v, err := store.ReadCounter(ctx, s.store, name)
		if err != nil {
			s.log.Warn("failed to read counter", "counter", name, "error", err)
			continue
		}
		out[name] = v
	}
	return out
}
