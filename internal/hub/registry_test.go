package hub

import "testing"

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	r.Add(a)
	r.Add(b)
	r.Add(c)
	r.Add(a)

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if !r.SetIdentity(b, Named("bea")) {
		t.Fatal("SetIdentity() on live connection = false")
	}

	snap := r.Snapshot()
	want := []string{"a", "b", "c"}
	for i, e := range snap {
		if e.Conn.ID() != want[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, e.Conn.ID(), want[i])
		}
	}
	if snap[1].Identity.Username() != "bea" || snap[0].Identity.IsNamed() {
		t.Errorf("identities = %v", snap)
	}

	id, removed := r.Remove(b)
	if !removed || id.Username() != "bea" {
		t.Errorf("Remove() = %v, %v", id, removed)
	}
	if _, removed := r.Remove(b); removed {
		t.Error("second Remove() reported removal")
	}
	if r.SetIdentity(b, Named("ghost")) {
		t.Error("SetIdentity() on removed connection = true")
	}
	if _, ok := r.Lookup(b); ok {
		t.Error("removed connection still found")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestIdentityDisplayName(t *testing.T) {
	if got := Anonymous().DisplayName(); got != "anon" {
		t.Errorf("anonymous display name = %q", got)
	}
	if got := Named("kim").DisplayName(); got != "kim" {
		t.Errorf("named display name = %q", got)
	}
}
