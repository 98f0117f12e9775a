package events

import (
	"testing"
)

func nop(Invocation) error { return nil }

// TestMatches_LeastSpecificFirst pins the dispatch ordering contract:
// for an event at a.b.c, handlers on "a" and "a.b" run in that order.
func TestMatches_LeastSpecificFirst(t *testing.T) {
	r := NewRegistry()
	if err := r.On(Update, "a.b", nop, "specific"); err != nil {
		t.Fatal(err)
	}
	if err := r.On(Update, "a", nop, "generic"); err != nil {
		t.Fatal(err)
	}

	hits := r.Matches(Update, "a.b.c")
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Reg.Data != "generic" || hits[1].Reg.Data != "specific" {
		t.Errorf("order = [%v %v], want [generic specific]", hits[0].Reg.Data, hits[1].Reg.Data)
	}
}

// TestMatches_TieBreakByRegistrationOrder checks equal specificity
// resolves by registration sequence.
func TestMatches_TieBreakByRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for i, pat := range []string{"a.b", "a.{uid}", "x.y"} {
		if err := r.On(Add, pat, nop, i); err != nil {
			t.Fatal(err)
		}
	}

	uid := "0123456789abcdef0123456789abcdef"
	_ = uid

	hits := r.Matches(Add, "a.b")
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1 (uid pattern must not match literal b)", len(hits))
	}
	if hits[0].Reg.Data != 0 {
		t.Errorf("first hit = %v, want registration 0", hits[0].Reg.Data)
	}
}

func TestMatches_KindIsolation(t *testing.T) {
	r := NewRegistry()
	if err := r.On(Add, "a", nop, nil); err != nil {
		t.Fatal(err)
	}

	if hits := r.Matches(Remove, "a"); len(hits) != 0 {
		t.Errorf("Remove lookup returned Add handler")
	}
}

func TestOn_InvalidPattern(t *testing.T) {
	r := NewRegistry()
	if err := r.On(Add, "a..b", nop, nil); err == nil {
		t.Error("registered invalid pattern")
	}
	if err := r.On(Add, "a", nil, nil); err == nil {
		t.Error("registered nil handler")
	}
}

func TestKind_String(t *testing.T) {
	tests := map[Kind]string{Add: "add", Update: "update", Remove: "remove", Kind(99): "unknown"}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
