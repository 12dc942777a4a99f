package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sparkpadlab/sparkpad/internal/cache"
	"gorm.io/gorm"
)

func TestGetReturnsNotFoundForUnknownCodeSpace(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())

	_, err := store.Get(context.Background(), mustCodeSpaceID(t, "unknown"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetOrCreateMaterializesDefaultTemplate(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "demo")

	created, err := store.GetOrCreate(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Code != DefaultContent().Code {
		t.Fatalf("expected default code, got %q", created.Code)
	}
	expectedHash := ContentFingerprint(codeSpace, DefaultContent())
	if created.ContentHash != expectedHash {
		t.Fatalf("expected hash %s, got %s", expectedHash, created.ContentHash)
	}

	again, err := store.GetOrCreate(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ContentHash != created.ContentHash {
		t.Fatalf("second GetOrCreate returned a different session")
	}
}

func TestGetServesCacheHitWithoutDatabase(t *testing.T) {
	fake := newFakeCache()
	store, db := newTestStore(t, fake)
	codeSpace := mustCodeSpaceID(t, "demo")

	cached := CodeSession{CodeSpace: "demo", Code: "cached-code", ContentHash: "cached-hash"}
	payload, err := json.Marshal(cached)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	fake.entries[cache.SessionKey("demo")] = payload

	// Nothing in the database: a hit must come purely from the cache.
	loaded, err := store.Get(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Code != "cached-code" {
		t.Fatalf("expected cached content, got %q", loaded.Code)
	}

	var count int64
	if err := db.Model(&CodeSession{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty database, found %d rows", count)
	}
}

func TestGetMissPopulatesCache(t *testing.T) {
	fake := newFakeCache()
	store, _ := newTestStore(t, fake)
	codeSpace := mustCodeSpaceID(t, "demo")

	if _, err := store.Upsert(context.Background(), codeSpace, DefaultContent()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := store.Get(context.Background(), codeSpace); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if _, ok := fake.entries[cache.SessionKey("demo")]; !ok {
		t.Fatalf("expected cache to be populated after a miss")
	}
}

func TestGetDegradesWhenCacheUnavailable(t *testing.T) {
	fake := newFakeCache()
	fake.fail = true
	store, _ := newTestStore(t, fake)
	codeSpace := mustCodeSpaceID(t, "demo")

	if _, err := store.Upsert(context.Background(), codeSpace, DefaultContent()); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := store.Get(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("expected cache failure to degrade to database read, got %v", err)
	}
	if loaded.CodeSpace != "demo" {
		t.Fatalf("unexpected session: %+v", loaded)
	}
}

func TestUpdateSucceedsAgainstMatchingHash(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "demo")

	created, err := store.GetOrCreate(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newContent := Content{Code: "X", Transpiled: "tx", HTML: "<p/>", CSS: "p{}"}
	updated, err := store.Update(context.Background(), codeSpace, newContent, created.ContentHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.ContentHash == created.ContentHash {
		t.Fatalf("expected hash to change after update")
	}

	reloaded, err := store.Get(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Code != "X" {
		t.Fatalf("expected updated content, got %q", reloaded.Code)
	}
}

func TestUpdateWithStaleHashReturnsConflictWithCurrentHash(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "demo")

	created, err := store.GetOrCreate(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	baseline := created.ContentHash

	first, err := store.Update(context.Background(), codeSpace, Content{Code: "A"}, baseline)
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	_, err = store.Update(context.Background(), codeSpace, Content{Code: "B"}, baseline)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.CurrentHash != first.ContentHash {
		t.Fatalf("expected current hash %s, got %s", first.ContentHash, conflict.CurrentHash)
	}
	if conflict.AttemptedHash != baseline {
		t.Fatalf("expected attempted hash %s, got %s", baseline, conflict.AttemptedHash)
	}
}

func TestUpdateLazilyInitializesMissingSession(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "fresh")

	defaultHash := ContentFingerprint(codeSpace, DefaultContent())
	updated, err := store.Update(context.Background(), codeSpace, Content{Code: "first write"}, defaultHash)
	if err != nil {
		t.Fatalf("expected lazy initialization to self-heal, got %v", err)
	}
	if updated.Code != "first write" {
		t.Fatalf("unexpected content: %q", updated.Code)
	}
}

func TestUpdateReportsMissingSessionWhenInitializedRowVanishes(t *testing.T) {
	store, db := newTestStore(t, nil)

	// Drop any session row the moment it is created, on the same
	// connection, so the lazy-initialization retry always finds the row
	// gone again.
	err := db.Callback().Create().After("gorm:create").Register("vanish_created_sessions", func(tx *gorm.DB) {
		if tx.Statement.Table != "code_sessions" || tx.Error != nil {
			return
		}
		if _, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context, "DELETE FROM code_sessions"); execErr != nil {
			t.Errorf("failed to drop created session: %v", execErr)
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	_, updateErr := store.Update(context.Background(), mustCodeSpaceID(t, "ghost"), Content{Code: "const a = 1;"}, "stale")
	if updateErr == nil {
		t.Fatalf("expected an error when the initialized row keeps vanishing")
	}
	if !errors.Is(updateErr, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", updateErr)
	}
	var missing *missingRowError
	if errors.As(updateErr, &missing) {
		t.Fatalf("internal row marker escaped to the caller: %v", updateErr)
	}
}

func TestUpdateInvalidatesCacheBeforeReturning(t *testing.T) {
	fake := newFakeCache()
	store, _ := newTestStore(t, fake)
	codeSpace := mustCodeSpaceID(t, "demo")

	created, err := store.GetOrCreate(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Warm the cache, then update and verify the next read sees new content.
	if _, err := store.Get(context.Background(), codeSpace); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, ok := fake.entries[cache.SessionKey("demo")]; !ok {
		t.Fatalf("expected warm cache before update")
	}

	if _, err := store.Update(context.Background(), codeSpace, Content{Code: "new"}, created.ContentHash); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	reloaded, err := store.Get(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if reloaded.Code != "new" {
		t.Fatalf("read after update returned stale content %q", reloaded.Code)
	}
}

func TestSaveVersionNumbersAreGapless(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "demo")

	if _, err := store.GetOrCreate(context.Background(), codeSpace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for expected := int64(1); expected <= 3; expected++ {
		version, err := store.SaveVersion(context.Background(), codeSpace)
		if err != nil {
			t.Fatalf("save version %d failed: %v", expected, err)
		}
		if version.Number != expected {
			t.Fatalf("expected version number %d, got %d", expected, version.Number)
		}
	}
}

func TestSaveVersionNumberCollisionIsDetectedAndRecomputed(t *testing.T) {
	store, db := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "demo")

	if _, err := store.GetOrCreate(context.Background(), codeSpace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A racing snapshotter claimed number 1. Inserting the same number
	// again must trip the uniqueness constraint the retry path keys on.
	if err := db.Create(&SessionVersion{SessionID: "demo", Number: 1, ContentHash: "raced"}).Error; err != nil {
		t.Fatalf("failed to seed competing version: %v", err)
	}
	duplicateErr := db.Create(&SessionVersion{SessionID: "demo", Number: 1, ContentHash: "loser"}).Error
	if duplicateErr == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
	if !isUniqueViolation(duplicateErr) {
		t.Fatalf("expected uniqueness violation to be recognized, got %v", duplicateErr)
	}

	// The losing caller recomputes and lands on the next free number.
	version, err := store.SaveVersion(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("expected recompute to succeed, got %v", err)
	}
	if version.Number != 2 {
		t.Fatalf("expected recomputed version number 2, got %d", version.Number)
	}
}

func TestSaveVersionRequiresExistingSession(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())

	_, err := store.SaveVersion(context.Background(), mustCodeSpaceID(t, "absent"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetVersionAndListVersions(t *testing.T) {
	store, _ := newTestStore(t, newFakeCache())
	codeSpace := mustCodeSpaceID(t, "demo")

	created, err := store.GetOrCreate(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.SaveVersion(context.Background(), codeSpace); err != nil {
		t.Fatalf("save version failed: %v", err)
	}
	if _, err := store.Update(context.Background(), codeSpace, Content{Code: "v2"}, created.ContentHash); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := store.SaveVersion(context.Background(), codeSpace); err != nil {
		t.Fatalf("save version failed: %v", err)
	}

	version, err := store.GetVersion(context.Background(), codeSpace, mustVersionNumber(t, 2))
	if err != nil {
		t.Fatalf("get version failed: %v", err)
	}
	if version.Code != "v2" {
		t.Fatalf("expected snapshot of updated content, got %q", version.Code)
	}

	summaries, err := store.ListVersions(context.Background(), codeSpace)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(summaries))
	}
	if summaries[0].Number != 2 || summaries[1].Number != 1 {
		t.Fatalf("expected newest-first ordering, got %+v", summaries)
	}

	_, err = store.GetVersion(context.Background(), codeSpace, mustVersionNumber(t, 9))
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}
