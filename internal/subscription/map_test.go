package subscription

import (
	"errors"
	"testing"
)

func TestMapSeedAndConfirm(t *testing.T) {
	m := NewMap[string]()
	if !m.Seed("a", "BTC-USD") || !m.Seed("b", "ETH-USD") {
		t.Fatal("seed failed")
	}
	if m.Seed("a", "XRP-USD") {
		t.Fatal("duplicate seed accepted")
	}
	if m.Len() != 2 || m.Pending() != 2 {
		t.Fatalf("len=%d pending=%d", m.Len(), m.Pending())
	}

	confirmed, known := m.Confirm("b")
	if !confirmed || !known {
		t.Fatalf("confirm b: confirmed=%v known=%v", confirmed, known)
	}
	confirmed, known = m.Confirm("b")
	if confirmed || !known {
		t.Fatalf("reconfirm b: confirmed=%v known=%v", confirmed, known)
	}
	if _, known := m.Confirm("zzz"); known {
		t.Fatal("unknown key reported known")
	}
	if m.Complete() {
		t.Fatal("map complete with a pending entry")
	}
	if got := m.PendingKeys(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("pending keys: %v", got)
	}

	m.Confirm("a")
	if !m.Complete() || m.Pending() != 0 {
		t.Fatal("map should be complete")
	}
	inst, err := m.Find("a")
	if err != nil || inst != "BTC-USD" {
		t.Fatalf("find a: %v %v", inst, err)
	}
}

func TestMapKeysKeepSeedOrder(t *testing.T) {
	m := NewMap[int]()
	for i, k := range []Key{"z", "a", "m"} {
		m.Seed(k, i)
	}
	keys := m.Keys()
	want := []Key{"z", "a", "m"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys %v want %v", keys, want)
		}
	}
}

func TestMapFindUnknown(t *testing.T) {
	m := NewMap[string]()
	_, err := m.Find("missing")
	if !errors.Is(err, ErrUnidentifiable) {
		t.Fatalf("expected unidentifiable, got %v", err)
	}
}

func TestMapFreeze(t *testing.T) {
	m := NewMap[string]()
	m.Seed("a", "BTC-USD")
	m.Freeze()
	if !m.Frozen() {
		t.Fatal("not frozen")
	}
	if m.Seed("b", "ETH-USD") {
		t.Fatal("seed after freeze accepted")
	}
	if confirmed, _ := m.Confirm("a"); confirmed {
		t.Fatal("confirm after freeze accepted")
	}
}

func TestEmptyMapIsComplete(t *testing.T) {
	if !NewMap[string]().Complete() {
		t.Fatal("empty map should be complete")
	}
}
