package storage

import (
	"bytes"
	"errors"
	"testing"
)

// testDB runs the shared suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		if err := db.Put([]byte("k1"), []byte("v1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("k1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("v1")) {
			t.Errorf("Get() = %q, want %q", val, "v1")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() missing = %v, want ErrNotFound", err)
		}
	})

	t.Run("HasDelete", func(t *testing.T) {
		db.Put([]byte("gone"), []byte("x"))
		if ok, _ := db.Has([]byte("gone")); !ok {
			t.Fatal("Has() = false after Put")
		}
		db.Delete([]byte("gone"))
		if ok, _ := db.Has([]byte("gone")); ok {
			t.Fatal("Has() = true after Delete")
		}
	})

	t.Run("ForEachPrefixOrdered", func(t *testing.T) {
		db.Put([]byte("p/b"), []byte("2"))
		db.Put([]byte("p/a"), []byte("1"))
		db.Put([]byte("q/a"), []byte("x"))
		var keys []string
		err := db.ForEach([]byte("p/"), func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if len(keys) != 2 || keys[0] != "p/a" || keys[1] != "p/b" {
			t.Errorf("ForEach() keys = %v", keys)
		}
	})

	t.Run("BatchAtomic", func(t *testing.T) {
		db.Put([]byte("b/old"), []byte("1"))
		batch := db.NewBatch()
		batch.Put([]byte("b/new"), []byte("2"))
		batch.Delete([]byte("b/old"))
		if ok, _ := db.Has([]byte("b/new")); ok {
			t.Fatal("batch write visible before Commit")
		}
		if err := batch.Commit(); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}
		if ok, _ := db.Has([]byte("b/new")); !ok {
			t.Error("batch put missing after Commit")
		}
		if ok, _ := db.Has([]byte("b/old")); ok {
			t.Error("batch delete not applied")
		}
	})
}

func TestMemoryDB(t *testing.T) {
	testDB(t, NewMemory())
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestPrefixDB(t *testing.T) {
	inner := NewMemory()
	testDB(t, NewPrefixDB(inner, []byte("ns/")))

	other := NewPrefixDB(inner, []byte("other/"))
	if ok, _ := other.Has([]byte("k1")); ok {
		t.Error("namespaces should not share keys")
	}
	if ok, _ := inner.Has([]byte("ns/k1")); !ok {
		t.Error("prefixed key missing from inner db")
	}
}
