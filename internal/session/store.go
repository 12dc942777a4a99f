package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sparkpadlab/sparkpad/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ErrSessionNotFound indicates that no session row exists for a code space.
var ErrSessionNotFound = errors.New("session: not found")

// ErrVersionNotFound indicates that no version row exists for a session and number.
var ErrVersionNotFound = errors.New("session: version not found")

// ConflictError reports a compare-and-swap mismatch. It carries the hash
// the caller attempted with and the hash actually stored so the caller
// can re-fetch, re-merge and retry with the correct baseline.
type ConflictError struct {
	CodeSpace     string
	AttemptedHash string
	CurrentHash   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %q: hash conflict: attempted %s, current %s",
		e.CodeSpace, e.AttemptedHash, e.CurrentHash)
}

// StoreError wraps store failures with a dotted operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew     = "session.store.new"
	opGet          = "session.get"
	opGetOrCreate  = "session.get_or_create"
	opUpdate       = "session.update"
	opUpsert       = "session.upsert"
	opSaveVersion  = "session.save_version"
	opGetVersion   = "session.get_version"
	opListVersions = "session.list_versions"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// Cache is the narrow key/value surface the store reads through. It is
// an optimization only: every method may fail or miss at any time and
// the store must fall back to the durable database.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const sessionCacheTTL = 30 * time.Second

// StoreConfig carries the dependencies of a session store.
type StoreConfig struct {
	Database *gorm.DB
	Cache    Cache
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists live code sessions and their version snapshots.
type Store struct {
	db     *gorm.DB
	cache  Cache
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates dependencies and constructs a session store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:     cfg.Database,
		cache:  cfg.Cache,
		clock:  clock,
		logger: logger,
	}, nil
}

// Get performs a cache-through read. A cache hit never touches the
// database; a miss reads the durable row and repopulates the cache.
// Returns ErrSessionNotFound when the code space has never been stored.
func (s *Store) Get(ctx context.Context, codeSpace CodeSpaceID) (CodeSession, error) {
	if cached, ok := s.cacheLookup(ctx, codeSpace); ok {
		return cached, nil
	}

	var stored CodeSession
	err := s.db.WithContext(ctx).
		Where("code_space = ?", codeSpace.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CodeSession{}, ErrSessionNotFound
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("code_space", codeSpace.String()))
		return CodeSession{}, newStoreError(opGet, "select_failed", err)
	}

	s.cachePopulate(ctx, stored)
	return stored, nil
}

// GetOrCreate returns the stored session or materializes a previously
// unknown code space with the fixed default template.
func (s *Store) GetOrCreate(ctx context.Context, codeSpace CodeSpaceID) (CodeSession, error) {
	stored, err := s.Get(ctx, codeSpace)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return CodeSession{}, err
	}

	created, err := s.Upsert(ctx, codeSpace, DefaultContent())
	if err != nil {
		return CodeSession{}, newStoreError(opGetOrCreate, "initialize_failed", err)
	}
	return created, nil
}

// Update performs the compare-and-swap write: the new content and hash
// are stored only when the current stored hash equals expectedHash. A
// never-initialized code space is lazily materialized and the update
// retried once against the fresh default baseline. On a genuine hash
// mismatch the returned error is a *ConflictError carrying both hashes;
// conflicts are a normal return path under concurrent editing, not a
// fault.
func (s *Store) Update(ctx context.Context, codeSpace CodeSpaceID, content Content, expectedHash string) (CodeSession, error) {
	updated, err := s.updateOnce(ctx, codeSpace, content, expectedHash)
	if err == nil {
		return updated, nil
	}

	var notFound *missingRowError
	if !errors.As(err, &notFound) {
		return CodeSession{}, err
	}

	// Self-healing path: the row never existed, so materialize the
	// default template and retry against its hash.
	initialized, initErr := s.Upsert(ctx, codeSpace, DefaultContent())
	if initErr != nil {
		return CodeSession{}, newStoreError(opUpdate, "lazy_initialize_failed", initErr)
	}

	updated, err = s.updateOnce(ctx, codeSpace, content, initialized.ContentHash)
	if errors.As(err, &notFound) {
		// The freshly initialized row vanished before the retry. Report
		// the session as missing instead of leaking the internal marker.
		return CodeSession{}, newStoreError(opUpdate, "initialized_row_missing", ErrSessionNotFound)
	}
	return updated, err
}

// missingRowError marks a CAS attempt against a row that does not exist.
type missingRowError struct {
	codeSpace string
}

func (e *missingRowError) Error() string {
	return fmt.Sprintf("session %q: row does not exist", e.codeSpace)
}

func (s *Store) updateOnce(ctx context.Context, codeSpace CodeSpaceID, content Content, expectedHash string) (CodeSession, error) {
	newHash := ContentFingerprint(codeSpace, content)
	now := s.clock().UTC().Unix()

	result := s.db.WithContext(ctx).
		Model(&CodeSession{}).
		Where("code_space = ? AND content_hash = ?", codeSpace.String(), expectedHash).
		Updates(map[string]any{
			"code":         content.Code,
			"transpiled":   content.Transpiled,
			"html":         content.HTML,
			"css":          content.CSS,
			"content_hash": newHash,
			"updated_at_s": now,
		})
	if result.Error != nil {
		s.logError(opUpdate, "conditional_update_failed", result.Error,
			zap.String("code_space", codeSpace.String()))
		return CodeSession{}, newStoreError(opUpdate, "conditional_update_failed", result.Error)
	}

	if result.RowsAffected == 1 {
		s.cacheInvalidate(ctx, codeSpace)
		return CodeSession{
			CodeSpace:        codeSpace.String(),
			Code:             content.Code,
			Transpiled:       content.Transpiled,
			HTML:             content.HTML,
			CSS:              content.CSS,
			ContentHash:      newHash,
			UpdatedAtSeconds: now,
		}, nil
	}

	// Zero rows affected: distinguish "row absent" from "hash mismatch"
	// by re-reading the durable row directly.
	var current CodeSession
	err := s.db.WithContext(ctx).
		Where("code_space = ?", codeSpace.String()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CodeSession{}, &missingRowError{codeSpace: codeSpace.String()}
	}
	if err != nil {
		s.logError(opUpdate, "conflict_reread_failed", err,
			zap.String("code_space", codeSpace.String()))
		return CodeSession{}, newStoreError(opUpdate, "conflict_reread_failed", err)
	}

	return CodeSession{}, &ConflictError{
		CodeSpace:     codeSpace.String(),
		AttemptedHash: expectedHash,
		CurrentHash:   current.ContentHash,
	}
}

// Upsert writes the session unconditionally. It is reserved for
// initialization and administrative paths; collaborative writers must
// go through Update.
func (s *Store) Upsert(ctx context.Context, codeSpace CodeSpaceID, content Content) (CodeSession, error) {
	stored := CodeSession{
		CodeSpace:        codeSpace.String(),
		Code:             content.Code,
		Transpiled:       content.Transpiled,
		HTML:             content.HTML,
		CSS:              content.CSS,
		ContentHash:      ContentFingerprint(codeSpace, content),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}

	if err := s.db.WithContext(ctx).Save(&stored).Error; err != nil {
		s.logError(opUpsert, "save_failed", err, zap.String("code_space", codeSpace.String()))
		return CodeSession{}, newStoreError(opUpsert, "save_failed", err)
	}

	s.cacheInvalidate(ctx, codeSpace)
	return stored, nil
}

// SaveVersion snapshots the current durable session state into an
// immutable version row numbered one past the highest existing number.
// A concurrent snapshotter racing for the same number trips the
// (session_id, number) uniqueness constraint; the losing caller
// recomputes the number and retries once.
func (s *Store) SaveVersion(ctx context.Context, codeSpace CodeSpaceID) (SessionVersion, error) {
	version, err := s.saveVersionOnce(ctx, codeSpace)
	if err == nil {
		return version, nil
	}
	if !isUniqueViolation(err) {
		return SessionVersion{}, err
	}
	return s.saveVersionOnce(ctx, codeSpace)
}

func (s *Store) saveVersionOnce(ctx context.Context, codeSpace CodeSpaceID) (SessionVersion, error) {
	var current CodeSession
	err := s.db.WithContext(ctx).
		Where("code_space = ?", codeSpace.String()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionVersion{}, ErrSessionNotFound
	}
	if err != nil {
		s.logError(opSaveVersion, "session_select_failed", err,
			zap.String("code_space", codeSpace.String()))
		return SessionVersion{}, newStoreError(opSaveVersion, "session_select_failed", err)
	}

	var maxNumber int64
	err = s.db.WithContext(ctx).
		Model(&SessionVersion{}).
		Where("session_id = ?", codeSpace.String()).
		Select("COALESCE(MAX(number), 0)").
		Scan(&maxNumber).Error
	if err != nil {
		s.logError(opSaveVersion, "number_select_failed", err,
			zap.String("code_space", codeSpace.String()))
		return SessionVersion{}, newStoreError(opSaveVersion, "number_select_failed", err)
	}

	version := SessionVersion{
		SessionID:        current.CodeSpace,
		Number:           maxNumber + 1,
		Code:             current.Code,
		Transpiled:       current.Transpiled,
		HTML:             current.HTML,
		CSS:              current.CSS,
		ContentHash:      current.ContentHash,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	if err := s.db.WithContext(ctx).Create(&version).Error; err != nil {
		if isUniqueViolation(err) {
			return SessionVersion{}, err
		}
		s.logError(opSaveVersion, "version_insert_failed", err,
			zap.String("code_space", codeSpace.String()),
			zap.Int64("number", version.Number))
		return SessionVersion{}, newStoreError(opSaveVersion, "version_insert_failed", err)
	}

	return version, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetVersion loads one immutable snapshot by number.
func (s *Store) GetVersion(ctx context.Context, codeSpace CodeSpaceID, number VersionNumber) (SessionVersion, error) {
	var version SessionVersion
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND number = ?", codeSpace.String(), number.Int64()).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionVersion{}, ErrVersionNotFound
	}
	if err != nil {
		s.logError(opGetVersion, "select_failed", err,
			zap.String("code_space", codeSpace.String()),
			zap.Int64("number", number.Int64()))
		return SessionVersion{}, newStoreError(opGetVersion, "select_failed", err)
	}
	return version, nil
}

// ListVersions returns version metadata for a session, newest first.
func (s *Store) ListVersions(ctx context.Context, codeSpace CodeSpaceID) ([]VersionSummary, error) {
	var versions []SessionVersion
	err := s.db.WithContext(ctx).
		Where("session_id = ?", codeSpace.String()).
		Order("number DESC").
		Find(&versions).Error
	if err != nil {
		s.logError(opListVersions, "query_failed", err,
			zap.String("code_space", codeSpace.String()))
		return nil, newStoreError(opListVersions, "query_failed", err)
	}

	summaries := make([]VersionSummary, 0, len(versions))
	for _, version := range versions {
		summaries = append(summaries, VersionSummary{
			Number:           version.Number,
			ContentHash:      version.ContentHash,
			CreatedAtSeconds: version.CreatedAtSeconds,
		})
	}
	return summaries, nil
}

func (s *Store) cacheLookup(ctx context.Context, codeSpace CodeSpaceID) (CodeSession, bool) {
	if s.cache == nil {
		return CodeSession{}, false
	}
	payload, err := s.cache.Get(ctx, cache.SessionKey(codeSpace.String()))
	if errors.Is(err, cache.ErrCacheMiss) {
		return CodeSession{}, false
	}
	if err != nil {
		s.logger.Warn("session cache read failed, falling back to database",
			zap.String("code_space", codeSpace.String()), zap.Error(err))
		return CodeSession{}, false
	}

	var cached CodeSession
	if err := json.Unmarshal(payload, &cached); err != nil {
		s.logger.Warn("session cache entry corrupt, falling back to database",
			zap.String("code_space", codeSpace.String()), zap.Error(err))
		return CodeSession{}, false
	}
	return cached, true
}

func (s *Store) cachePopulate(ctx context.Context, stored CodeSession) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		s.logger.Warn("session cache marshal failed",
			zap.String("code_space", stored.CodeSpace), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, cache.SessionKey(stored.CodeSpace), payload, sessionCacheTTL); err != nil {
		s.logger.Warn("session cache populate failed",
			zap.String("code_space", stored.CodeSpace), zap.Error(err))
	}
}

func (s *Store) cacheInvalidate(ctx context.Context, codeSpace CodeSpaceID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.SessionKey(codeSpace.String())); err != nil {
		s.logger.Warn("session cache invalidate failed",
			zap.String("code_space", codeSpace.String()), zap.Error(err))
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session store error", attrs...)
}
