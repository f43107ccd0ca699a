package nostr

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Contact is one entry of a kind-3 social graph record. RelayHint is the
// optional relay URL embedded directly in the p tag; it is usable for routing
// before any full relay-list fetch for the contact has completed.
type Contact struct {
	Pubkey    string
	RelayHint string
}

// ParseContacts extracts the followed pubkeys from a kind 3 contact list
func ParseContacts(event *nostr.Event) ([]Contact, error) {
	if event.Kind != nostr.KindFollowList {
		return nil, fmt.Errorf("expected kind %d, got %d", nostr.KindFollowList, event.Kind)
	}

	contacts := make([]Contact, 0, len(event.Tags))
	seen := make(map[string]bool, len(event.Tags))

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" || tag[1] == "" {
			continue
		}
		if seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true

		c := Contact{Pubkey: tag[1]}
		if len(tag) >= 3 {
			if hint := strings.TrimSpace(tag[2]); hint != "" && nostr.IsValidRelayURL(hint) {
				c.RelayHint = nostr.NormalizeURL(hint)
			}
		}
		contacts = append(contacts, c)
	}

	return contacts, nil
}

// TaggedPubkeys returns the pubkeys referenced by identity (p) tags of any event
func TaggedPubkeys(event *nostr.Event) []string {
	var pubkeys []string
	seen := make(map[string]bool)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" && !seen[tag[1]] {
			seen[tag[1]] = true
			pubkeys = append(pubkeys, tag[1])
		}
	}
	return pubkeys
}

// IsTagged reports whether pubkey is referenced by an identity tag of event
func IsTagged(event *nostr.Event, pubkey string) bool {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}
