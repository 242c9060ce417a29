package hashindex

import (
	"fmt"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	idx := New(16)

	idx.Put([]byte("a"), []byte("1"))
	idx.Put([]byte("b"), []byte("2"))

	val, ok := idx.Get([]byte("a"))
	if !ok || string(val) != "1" {
		t.Fatalf("expected 1, got %q ok=%v", val, ok)
	}

	if !idx.Delete([]byte("a")) {
		t.Fatal("expected delete of existing key to succeed")
	}
	if _, ok := idx.Get([]byte("a")); ok {
		t.Fatal("expected key a to be gone after delete")
	}
	if idx.Delete([]byte("a")) {
		t.Fatal("expected second delete to report absence")
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	idx := New(16)
	idx.Put([]byte("k"), []byte("v1"))
	idx.Put([]byte("k"), []byte("v2"))

	if idx.Count() != 1 {
		t.Fatalf("expected count 1 after overwrite, got %d", idx.Count())
	}
	val, _ := idx.Get([]byte("k"))
	if string(val) != "v2" {
		t.Fatalf("expected v2, got %q", val)
	}
}

func TestRehashTriggersOnLoadFactor(t *testing.T) {
	idx := New(4)

	for i := 0; i < 100; i++ {
		idx.Put([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("val-%d", i)))
	}

	if idx.LoadFactor() > defaultMaxLoadFactor {
		t.Fatalf("load factor %f should have triggered a rehash below threshold %f", idx.LoadFactor(), defaultMaxLoadFactor)
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		want := fmt.Sprintf("val-%d", i)
		got, ok := idx.Get(key)
		if !ok || string(got) != want {
			t.Fatalf("key %s: expected %q got %q ok=%v", key, want, got, ok)
		}
	}
}

func TestChainingHandlesCollisions(t *testing.T) {
	idx := New(1) // force every key into the same bucket pre-rehash
	idx.maxLoadFactor = 1000 // disable rehashing so chaining is exercised directly

	for i := 0; i < 20; i++ {
		idx.Put([]byte(fmt.Sprintf("c%d", i)), []byte(fmt.Sprintf("v%d", i)))
	}

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("c%d", i))
		want := fmt.Sprintf("v%d", i)
		got, ok := idx.Get(key)
		if !ok || string(got) != want {
			t.Fatalf("key %s: expected %q got %q", key, want, got)
		}
	}
}
