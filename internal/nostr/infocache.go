package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relayfan/outboxer/internal/store"
)

// RelayInfo is a NIP-11 relay capability document. All fields are optional;
// a fetch failure simply leaves the document absent.
type RelayInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Icon          string `json:"icon"`
	PubKey        string `json:"pubkey"`
	Contact       string `json:"contact"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
}

// relayInfoEntry is the persisted cache record for one endpoint
type relayInfoEntry struct {
	Info      *RelayInfo `json:"info,omitempty"`
	FetchedAt int64      `json:"fetched_at"`
}

// infoCacheTTL is the freshness window for capability documents
const infoCacheTTL = 7 * 24 * time.Hour

// relayInfoKey returns the store key of an endpoint's capability document
func relayInfoKey(url string) string {
	return "relayinfo/" + url
}

// InfoCache fetches and caches NIP-11 relay capability documents
type InfoCache struct {
	store  store.Store
	client *http.Client
}

// NewInfoCache creates a capability document cache backed by the given store
func NewInfoCache(st store.Store) *InfoCache {
	return &InfoCache{
		store:  st,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Get returns the capability document for url, serving cached data inside the
// freshness window and fetching otherwise. A nil document with nil error means
// the relay did not serve one; fetch failures are non-fatal.
func (c *InfoCache) Get(ctx context.Context, url string) (*RelayInfo, error) {
	key := relayInfoKey(url)

	var entry relayInfoEntry
	ok, err := c.store.Get(ctx, key, &entry)
	if err != nil {
		return nil, fmt.Errorf("failed to check cached relay info: %w", err)
	}
	if ok && time.Since(time.Unix(entry.FetchedAt, 0)) < infoCacheTTL {
		return entry.Info, nil
	}

	info, err := c.fetch(ctx, url)
	if err != nil {
		// keep any stale document rather than dropping it
		if ok {
			return entry.Info, nil
		}
		return nil, nil
	}

	entry = relayInfoEntry{Info: info, FetchedAt: time.Now().Unix()}
	if err := c.store.Set(ctx, key, &entry); err != nil {
		return info, fmt.Errorf("failed to cache relay info: %w", err)
	}
	return info, nil
}

// fetch performs the NIP-11 HTTP request against the relay's HTTP-scheme URL
func (c *InfoCache) fetch(ctx context.Context, wsURL string) (*RelayInfo, error) {
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay info request failed: status %d", resp.StatusCode)
	}

	var info RelayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse relay info: %w", err)
	}
	return &info, nil
}
