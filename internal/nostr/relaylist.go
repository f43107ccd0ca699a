package nostr

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/relayfan/outboxer/internal/store"
)

// ParseRelayList extracts relay records from a NIP-65 kind 10002 event.
// A tag with no marker advertises both capabilities; markers are exactly
// "read" or "write". Endpoints are deduplicated by normalized URL, first
// occurrence wins.
func ParseRelayList(event *nostr.Event) ([]store.RelayRecord, error) {
	if event.Kind != nostr.KindRelayListMetadata {
		return nil, fmt.Errorf("expected kind %d, got %d", nostr.KindRelayListMetadata, event.Kind)
	}

	records := make([]store.RelayRecord, 0, len(event.Tags))
	seen := make(map[string]bool, len(event.Tags))

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		url := nostr.NormalizeURL(strings.TrimSpace(tag[1]))
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true

		rec := store.RelayRecord{URL: url, Read: true, Write: true}
		if len(tag) >= 3 {
			switch strings.ToLower(tag[2]) {
			case "read":
				rec.Write = false
			case "write":
				rec.Read = false
			}
		}

		records = append(records, rec)
	}

	return records, nil
}

// BuildRelayListEvent creates an unsigned NIP-65 kind 10002 event from records
func BuildRelayListEvent(pubkey string, records []store.RelayRecord) *nostr.Event {
	event := &nostr.Event{
		PubKey:    pubkey,
		Kind:      nostr.KindRelayListMetadata,
		CreatedAt: nostr.Now(),
		Tags:      make(nostr.Tags, 0, len(records)),
	}

	for _, rec := range records {
		tag := nostr.Tag{"r", rec.URL}
		if rec.Read && !rec.Write {
			tag = append(tag, "read")
		} else if rec.Write && !rec.Read {
			tag = append(tag, "write")
		}
		event.Tags = append(event.Tags, tag)
	}

	return event
}

// MergeRecords combines a freshly fetched relay list with a previously known
// one. Fresh records win on conflict; previously known endpoints missing from
// the fresh list are preserved so capability metadata survives partial
// updates.
func MergeRecords(fresh, prev []store.RelayRecord) []store.RelayRecord {
	out := make([]store.RelayRecord, 0, len(fresh)+len(prev))
	seen := make(map[string]bool, len(fresh))

	for _, rec := range fresh {
		seen[rec.URL] = true
		out = append(out, rec)
	}
	for _, rec := range prev {
		if !seen[rec.URL] {
			out = append(out, rec)
		}
	}

	return out
}

// ReadURLs returns the read-capable endpoints of a relay set
func ReadURLs(records []store.RelayRecord) []string {
	urls := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Read {
			urls = append(urls, rec.URL)
		}
	}
	return urls
}

// WriteURLs returns the write-capable endpoints of a relay set
func WriteURLs(records []store.RelayRecord) []string {
	urls := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Write {
			urls = append(urls, rec.URL)
		}
	}
	return urls
}

// ValidateRelayURL performs basic validation on a relay URL
func ValidateRelayURL(url string) bool {
	return nostr.IsValidRelayURL(url)
}
