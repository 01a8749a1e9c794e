package fingerprint

import (
	"errors"
	"testing"

	"vidsync/internal/syncerr"
)

func TestOf_Deterministic(t *testing.T) {
	a, err := Of("dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Of() error = %v", err)
	}
	b, _ := Of("dQw4w9WgXcQ")
	if a != b {
		t.Errorf("Of() not deterministic: %s != %s", a, b)
	}
	if !IsHash(string(a)) {
		t.Errorf("Of() = %q, not a hex sha256", a)
	}
}

func TestOf_KnownVector(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	got, err := Of("abc")
	if err != nil {
		t.Fatalf("Of() error = %v", err)
	}
	if string(got) != want {
		t.Errorf("Of(abc) = %s, want %s", got, want)
	}
}

func TestOf_DistinctIDs(t *testing.T) {
	a, _ := Of("new/path")
	b, _ := Of(`old\path`)
	if a == b {
		t.Error("different ids produced the same fingerprint")
	}
}

func TestOf_EmptyID(t *testing.T) {
	_, err := Of("")
	if !errors.Is(err, syncerr.ErrInvalidState) {
		t.Errorf("Of(\"\") error = %v, want ErrInvalidState", err)
	}
}

func TestSet(t *testing.T) {
	s := Set{}
	s.Add("a", "", "b")
	if len(s) != 2 {
		t.Errorf("len(Set) = %d, want 2", len(s))
	}
	h, _ := Of("a")
	if !s.Has(h) {
		t.Error("Set.Has(a) = false")
	}
	other, _ := Of("c")
	if s.Has(other) {
		t.Error("Set.Has(c) = true")
	}
}

func TestIsHash(t *testing.T) {
	if IsHash("not-a-hash") {
		t.Error("IsHash(not-a-hash) = true")
	}
	if IsHash("zz7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad") {
		t.Error("IsHash with non-hex characters = true")
	}
}
