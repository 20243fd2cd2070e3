package localstore

import (
	"errors"
	"testing"

	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(logger.NewNop())
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	s := newStore(t)

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get missing: ok=%v err=%v", ok, err)
	}
	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := s.Get("k")
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("Get: val=%q ok=%v err=%v", val, ok, err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("key survived Delete")
	}
}

func TestIteratePrefixOrderAndStop(t *testing.T) {
	s := newStore(t)
	entries := map[string]string{
		"q/a/0002": "two",
		"q/a/0001": "one",
		"q/a/0003": "three",
		"q/b/0001": "other",
	}
	for k, v := range entries {
		if err := s.Set(k, []byte(v)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	var keys []string
	err := s.IteratePrefix("q/a/", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix: %v", err)
	}
	want := []string{"q/a/0001", "q/a/0002", "q/a/0003"}
	if len(keys) != len(want) {
		t.Fatalf("visited %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("visited %v, want %v", keys, want)
		}
	}

	// ErrStopIteration ends the walk without surfacing an error.
	n := 0
	err = s.IteratePrefix("q/a/", func(string, []byte) error {
		n++
		if n == 2 {
			return ErrStopIteration
		}
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix with stop: %v", err)
	}
	if n != 2 {
		t.Fatalf("visited %d keys, want 2", n)
	}

	// A real callback error propagates.
	wantErr := errors.New("boom")
	err = s.IteratePrefix("q/a/", func(string, []byte) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestSetAllAndDeleteAll(t *testing.T) {
	s := newStore(t)
	if err := s.SetAll(map[string][]byte{"a": []byte("1"), "b": []byte("2")}); err != nil {
		t.Fatalf("SetAll: %v", err)
	}
	if err := s.DeleteAll([]string{"a", "b"}); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, _ := s.Get(k); ok {
			t.Fatalf("%s survived DeleteAll", k)
		}
	}
}
