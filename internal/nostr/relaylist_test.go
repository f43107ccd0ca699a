package nostr

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relayfan/outboxer/internal/store"
)

func relayListEvent(tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		Kind: nostr.KindRelayListMetadata,
		Tags: tags,
	}
}

func TestParseRelayListMarkers(t *testing.T) {
	event := relayListEvent(nostr.Tags{
		{"r", "wss://both.test"},
		{"r", "wss://reader.test", "read"},
		{"r", "wss://writer.test", "write"},
	})

	records, err := ParseRelayList(event)
	if err != nil {
		t.Fatalf("ParseRelayList() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ParseRelayList() returned %d records, want 3", len(records))
	}

	want := []store.RelayRecord{
		{URL: "wss://both.test", Read: true, Write: true},
		{URL: "wss://reader.test", Read: true, Write: false},
		{URL: "wss://writer.test", Read: false, Write: true},
	}
	for i, rec := range records {
		if rec != want[i] {
			t.Errorf("Record %d = %+v, want %+v", i, rec, want[i])
		}
	}
}

func TestParseRelayListRejectsWrongKind(t *testing.T) {
	event := &nostr.Event{Kind: nostr.KindTextNote}
	if _, err := ParseRelayList(event); err == nil {
		t.Fatal("Expected error for non-10002 event")
	}
}

func TestParseRelayListDeduplicates(t *testing.T) {
	event := relayListEvent(nostr.Tags{
		{"r", "wss://relay.test", "read"},
		{"r", "wss://relay.test", "write"},
	})

	records, err := ParseRelayList(event)
	if err != nil {
		t.Fatalf("ParseRelayList() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ParseRelayList() returned %d records, want 1", len(records))
	}
	// first occurrence wins
	if !records[0].Read || records[0].Write {
		t.Errorf("Record = %+v, want read-only", records[0])
	}
}

func TestParseRelayListSkipsJunkTags(t *testing.T) {
	event := relayListEvent(nostr.Tags{
		{"r"},
		{"p", "deadbeef"},
		{"r", ""},
		{"r", "wss://relay.test"},
	})

	records, err := ParseRelayList(event)
	if err != nil {
		t.Fatalf("ParseRelayList() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("ParseRelayList() returned %d records, want 1", len(records))
	}
}

func TestBuildRelayListRoundtrip(t *testing.T) {
	in := []store.RelayRecord{
		{URL: "wss://both.test", Read: true, Write: true},
		{URL: "wss://reader.test", Read: true},
		{URL: "wss://writer.test", Write: true},
	}

	event := BuildRelayListEvent("pubkey", in)
	out, err := ParseRelayList(event)
	if err != nil {
		t.Fatalf("ParseRelayList() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Roundtrip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("Record %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestMergeRecordsFreshWins(t *testing.T) {
	fresh := []store.RelayRecord{
		{URL: "wss://a.test", Read: true},
	}
	prev := []store.RelayRecord{
		{URL: "wss://a.test", Read: true, Write: true},
		{URL: "wss://b.test", Write: true},
	}

	merged := MergeRecords(fresh, prev)
	if len(merged) != 2 {
		t.Fatalf("MergeRecords() returned %d records, want 2", len(merged))
	}
	if merged[0].Write {
		t.Error("Fresh record should win over previous capability")
	}
	if merged[1].URL != "wss://b.test" {
		t.Errorf("Expected previous-only endpoint preserved, got %+v", merged[1])
	}
}

func TestReadWriteURLs(t *testing.T) {
	records := []store.RelayRecord{
		{URL: "wss://both.test", Read: true, Write: true},
		{URL: "wss://reader.test", Read: true},
		{URL: "wss://writer.test", Write: true},
	}

	reads := ReadURLs(records)
	if len(reads) != 2 || reads[0] != "wss://both.test" || reads[1] != "wss://reader.test" {
		t.Errorf("ReadURLs() = %v", reads)
	}

	writes := WriteURLs(records)
	if len(writes) != 2 || writes[0] != "wss://both.test" || writes[1] != "wss://writer.test" {
		t.Errorf("WriteURLs() = %v", writes)
	}
}
