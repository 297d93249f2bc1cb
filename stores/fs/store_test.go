package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	store, err := NewStore(path, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	// Initially empty
	_, ok, err := store.Get(ctx, "authsession")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("expected no value in an empty store")
	}

	if err := store.Set(ctx, "authsession", []byte(`{"accessToken":"abc"}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, ok, err := store.Get(ctx, "authsession")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || string(value) != `{"accessToken":"abc"}` {
		t.Errorf("Get() = %s, %v; want the stored record", value, ok)
	}
}

func TestStore_RejectsInvalidJSON(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "session.json"), "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := store.Set(context.Background(), "authsession", []byte("not json")); err == nil {
		t.Error("expected an error for a non-JSON value")
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "session.json"), "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	store.Set(ctx, "a", []byte(`1`))
	store.Set(ctx, "b", []byte(`2`))

	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get(ctx, "a"); ok {
		t.Error("value should be removed")
	}
	if _, ok, _ := store.Get(ctx, "b"); !ok {
		t.Error("other value should still exist")
	}
}

func TestStore_SaveAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	store1, err := NewStore(path, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := store1.Set(ctx, "authsession", []byte(`{"accessToken":"persisted-token"}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("store file not created")
	}

	// Create new store from same file
	store2, err := NewStore(path, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	value, ok, err := store2.Get(ctx, "authsession")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || string(value) != `{"accessToken":"persisted-token"}` {
		t.Errorf("Get() = %s, %v; want the persisted record", value, ok)
	}

	// Changes made by store1 are visible to store2 after a reload.
	store1.Set(ctx, "authsession", []byte(`{"accessToken":null}`))
	if err := store2.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	value, _, _ = store2.Get(ctx, "authsession")
	if string(value) != `{"accessToken":null}` {
		t.Errorf("after Reload() got %s", value)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path, ""); err == nil {
		t.Error("expected an error for a corrupt store file")
	}
}

func TestStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	store, err := NewStore(path, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	store.Set(context.Background(), "authsession", []byte(`{"accessToken":"token"}`))

	// Check file permissions (should be 0600)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		t.Errorf("file permissions = %o, want 0600", mode)
	}
}

func TestStore_DefaultPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")

	store, err := NewStore("", "testapp")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	path := store.Path()
	if filepath.Base(path) != "session.json" {
		t.Errorf("path = %s, want a session.json file", path)
	}

	// Should contain app name in path
	if filepath.Base(filepath.Dir(path)) != "testapp" {
		t.Logf("path = %s (app name dir may vary by platform)", path)
	}
}

func TestStore_Watch(t *testing.T) {
	WatchDebounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "session.json")
	store, err := NewStore(path, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	type change struct {
		value string
		ok    bool
	}
	changes := make(chan change, 10)
	if err := store.Watch(ctx, "authsession", func(value []byte, ok bool) {
		changes <- change{string(value), ok}
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// Another process writes the same file.
	other, err := NewStore(path, "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := other.Set(ctx, "authsession", []byte(`{"accessToken":"from-elsewhere"}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case c := <-changes:
		if !c.ok || c.value != `{"accessToken":"from-elsewhere"}` {
			t.Errorf("change = %+v, want the new record", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	value, _, _ := store.Get(ctx, "authsession")
	if string(value) != `{"accessToken":"from-elsewhere"}` {
		t.Errorf("store not reloaded, got %s", value)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.ok {
			t.Errorf("change = %+v, want the key gone", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("removal not reported")
	}
}
