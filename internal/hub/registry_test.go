package hub

import (
	"errors"
	"testing"
)

func TestRegistryAddReturnsFalseOnDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	if !r.Add("tenant-a", KindWAWeb) {
		t.Fatalf("first add should succeed")
	}
	if r.Add("tenant-a", KindWAWeb) {
		t.Fatalf("second add of the same key should be rejected")
	}
	if r.ActiveCount(KindWAWeb) != 1 {
		t.Fatalf("expected one member, got %d", r.ActiveCount(KindWAWeb))
	}
}

func TestRegistryRemoveDropsMembershipOnly(t *testing.T) {
	r := NewRegistry(nil)
	r.Add("tenant-a", KindWAWeb)
	r.Remove("tenant-a", KindWAWeb)
	if r.ActiveCount(KindWAWeb) != 0 {
		t.Fatalf("expected empty registry after remove, got %d", r.ActiveCount(KindWAWeb))
	}
	if !r.Add("tenant-a", KindWAWeb) {
		t.Fatalf("re-add after remove should succeed")
	}
}

func TestRegistryLoadWithoutLimitIsSaturated(t *testing.T) {
	r := NewRegistry(nil)
	if load := r.Load("custom"); load != 1 {
		t.Fatalf("expected load 1.0 for unlimited kind, got %f", load)
	}
}

func TestSelectSingleEligibleKindIgnoresLoad(t *testing.T) {
	r := NewRegistry(map[AdapterKind]int{KindInstagram: 2})
	r.Add("ig-1", KindInstagram)
	r.Add("ig-2", KindInstagram)
	kind, err := r.Select(ChannelInstagram, "")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if kind != KindInstagram {
		t.Fatalf("expected instagram, got %s", kind)
	}
}

func TestSelectHonorsPreferenceUnderThreshold(t *testing.T) {
	r := NewRegistry(map[AdapterKind]int{KindWAWeb: 10, KindWACloud: 10})
	for i := 0; i < 5; i++ {
		r.Add(string(rune('a'+i)), KindWACloud)
	}
	kind, err := r.Select(ChannelWhatsApp, KindWACloud)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if kind != KindWACloud {
		t.Fatalf("expected preferred wacloud at 50%% load, got %s", kind)
	}
}

func TestSelectNoPreferencePicksLeastLoaded(t *testing.T) {
	r := NewRegistry(map[AdapterKind]int{KindWAWeb: 10, KindWACloud: 10})
	for i := 0; i < 4; i++ {
		r.Add(string(rune('a'+i)), KindWAWeb)
	}
	r.Add("n", KindWACloud)

	// Both kinds sit well under the threshold; the one with fewer active
	// sessions wins.
	kind, err := r.Select(ChannelWhatsApp, "")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if kind != KindWACloud {
		t.Fatalf("expected the less-loaded wacloud, got %s", kind)
	}
}

func TestSelectOverloadedPreferenceFallsBack(t *testing.T) {
	r := NewRegistry(map[AdapterKind]int{KindWAWeb: 10, KindWACloud: 10})
	for i := 0; i < 9; i++ {
		r.Add(string(rune('a'+i)), KindWACloud)
	}
	kind, err := r.Select(ChannelWhatsApp, KindWACloud)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if kind != KindWAWeb {
		t.Fatalf("expected fallback to waweb past the load threshold, got %s", kind)
	}
}

func TestSelectAllKindsOverThreshold(t *testing.T) {
	r := NewRegistry(map[AdapterKind]int{KindWAWeb: 10, KindWACloud: 10})
	for i := 0; i < 9; i++ {
		r.Add(string(rune('a'+i)), KindWAWeb)
		r.Add(string(rune('n'+i)), KindWACloud)
	}
	_, err := r.Select(ChannelWhatsApp, "")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestSelectUnknownChannel(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Select("telegram", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown channel, got %v", err)
	}
}
