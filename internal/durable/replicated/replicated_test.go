package replicated

import "testing"

func TestLWWMapPutGet(t *testing.T) {
	m := NewLWWMap()
	m.Put("7", "region-a")

	v, ok := m.Get("7")
	if !ok || v != "region-a" {
		t.Errorf("Get(7) = (%q, %v), want (region-a, true)", v, ok)
	}
}

func TestLWWMapMergeConverges(t *testing.T) {
	seq := int64(0)
	a := NewLWWMap()
	a.clock = func() int64 { seq++; return seq }
	b := NewLWWMap()
	b.clock = func() int64 { seq++; return seq }

	a.Put("7", "region-a")
	b.Put("7", "region-b") // later logical timestamp

	a.Merge(b)
	b.Merge(a)

	av, _ := a.Get("7")
	bv, _ := b.Get("7")
	if av != bv {
		t.Errorf("replicas diverged after merge: a=%q b=%q", av, bv)
	}
	if av != "region-b" {
		t.Errorf("Get(7) = %q, want region-b (later write)", av)
	}
}

func TestLWWMapDeleteTombstones(t *testing.T) {
	m := NewLWWMap()
	m.Put("7", "region-a")
	m.Delete("7")

	if _, ok := m.Get("7"); ok {
		t.Error("expected key 7 to be deleted")
	}
}

func TestORSetAddIdempotent(t *testing.T) {
	s := NewORSet()
	s.Add("x")
	s.Add("x")

	if !s.Contains("x") {
		t.Error("expected x to be present")
	}
	if len(s.Elements()) != 1 {
		t.Errorf("Elements() = %v, want one element", s.Elements())
	}
}

func TestORSetConcurrentAddSurvivesRemove(t *testing.T) {
	replicaA := NewORSet()
	replicaB := NewORSet()

	replicaA.Add("x")
	replicaA.Remove("x") // removes only tags replica A has observed

	replicaB.Add("x") // concurrent add, unseen by replica A's remove

	replicaA.Merge(replicaB)

	if !replicaA.Contains("x") {
		t.Error("concurrent add on replica B should survive merge with replica A's remove")
	}
}

func TestQuorum(t *testing.T) {
	tests := []struct {
		n, minCap, want int
	}{
		{n: 3, minCap: 2, want: 3},
		{n: 5, minCap: 2, want: 4},
		{n: 1, minCap: 2, want: 2},
		{n: 4, minCap: 2, want: 3},
	}

	for _, tt := range tests {
		if got := Quorum(tt.n, tt.minCap); got != tt.want {
			t.Errorf("Quorum(%d, %d) = %d, want %d", tt.n, tt.minCap, got, tt.want)
		}
	}
}
