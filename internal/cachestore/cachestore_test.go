package cachestore

import "testing"

func TestTrustMarkHashKey(t *testing.T) {
	if got, want := TrustMarkHashKey("https://rp.example.com"), "tm:https://rp.example.com"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTrustMarkTypeSetKey(t *testing.T) {
	if got, want := TrustMarkTypeSetKey("https://ta.example.com/tm/verified"), "tmtype:https://ta.example.com/tm/verified"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
