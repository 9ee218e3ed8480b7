package chatspace

import (
	"path/filepath"
	"testing"
)

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStorage: %v", err)
	}

	if _, ok, err := s.Get("missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v", ok, err)
	}
	if err := s.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "v2"); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := s.Get("k"); !ok || v != "v2" {
		t.Errorf("Get(k) = %q, %v", v, ok)
	}
	if err := s.Remove("k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Error("key should be removed")
	}

	t.Run("survives reopen", func(t *testing.T) {
		NewCache(s).Save("tok", sampleConversations())
		s.Close()

		reopened, err := OpenSQLiteStorage(path)
		if err != nil {
			t.Fatal(err)
		}
		defer reopened.Close()
		got, ok := NewCache(reopened).Load("tok")
		if !ok || len(got) != 2 || got[1].Name != "B" {
			t.Errorf("Load after reopen = %+v, %v", got, ok)
		}
	})
}
