package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sparkpadlab/sparkpad/internal/cache"
	"gorm.io/gorm"
)

func mustCodeSpaceID(t *testing.T, value string) CodeSpaceID {
	t.Helper()
	id, err := NewCodeSpaceID(value)
	if err != nil {
		t.Fatalf("unexpected code space error: %v", err)
	}
	return id
}

func mustVersionNumber(t *testing.T, value int64) VersionNumber {
	t.Helper()
	number, err := NewVersionNumber(value)
	if err != nil {
		t.Fatalf("unexpected version number error: %v", err)
	}
	return number
}

// fakeCache is an in-memory Cache with switchable failure mode, so
// tests can observe invalidation and degraded-cache behavior without a
// live backend.
type fakeCache struct {
	entries map[string][]byte
	fail    bool

	getCalls    int
	setCalls    int
	deleteCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	f.getCalls++
	if f.fail {
		return nil, errors.New("cache unavailable")
	}
	value, ok := f.entries[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return value, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.setCalls++
	if f.fail {
		return errors.New("cache unavailable")
	}
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.deleteCalls++
	if f.fail {
		return errors.New("cache unavailable")
	}
	delete(f.entries, key)
	return nil
}

func newTestStore(t *testing.T, storeCache Cache) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:sparkpad_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CodeSession{}, &SessionVersion{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewStore(StoreConfig{
		Database: db,
		Cache:    storeCache,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}
