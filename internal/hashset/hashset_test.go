package hashset

import (
	"bytes"
	"testing"
)

func TestLookup_KnownAlgorithms(t *testing.T) {
	for _, name := range []string{"md5", "sha1", "sha256", "sha512", "blake2b", "blake2s", "xxhash", "SHA512", " sha256 "} {
		f, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if f.Size <= 0 {
			t.Fatalf("Lookup(%q): non-positive size %d", name, f.Size)
		}
		sum := Sum(f, []byte("hello"))
		if len(sum) != f.Size {
			t.Fatalf("Lookup(%q): digest length %d != advertised size %d", name, len(sum), f.Size)
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := Lookup("rot13"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestSum_Deterministic(t *testing.T) {
	f, err := Lookup("sha256")
	if err != nil {
		t.Fatal(err)
	}
	a := Sum(f, []byte("block-a"))
	b := Sum(f, []byte("block-a"))
	c := Sum(f, []byte("block-b"))
	if !bytes.Equal(a, b) {
		t.Fatal("same input produced different digests")
	}
	if bytes.Equal(a, c) {
		t.Fatal("different input produced the same digest")
	}
}
