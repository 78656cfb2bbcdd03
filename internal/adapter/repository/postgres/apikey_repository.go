package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/eventstore/internal/adapter/metrics"
	"github.com/V4T54L/eventstore/internal/domain"
)

type cacheEntry struct {
	key       domain.APIKey
	found     bool
	expiresAt time.Time
}

// APIKeyRepository implements the domain.APIKeyRepository interface using PostgreSQL
// as the source of truth and an in-memory, time-based cache.
type APIKeyRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	cache    map[string]cacheEntry
	mu       sync.RWMutex
	cacheTTL time.Duration
	metrics  *metrics.EventStoreMetrics
	now      func() time.Time
}

// NewAPIKeyRepository creates a new instance of the PostgreSQL API key repository.
func NewAPIKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.EventStoreMetrics) *APIKeyRepository {
	return &APIKeyRepository{
		db:       db,
		logger:   logger.With("component", "apikey_repository"),
		cache:    make(map[string]cacheEntry),
		cacheTTL: cacheTTL,
		metrics:  m,
		now:      time.Now,
	}
}

// Authenticate resolves an admin key and its tenant scope. Lookups, including
// unknown keys, are cached for cacheTTL; database errors are not.
func (r *APIKeyRepository) Authenticate(ctx context.Context, key string) (domain.APIKey, error) {
	r.mu.RLock()
	entry, found := r.cache[key]
	r.mu.RUnlock()

	if found && r.now().Before(entry.expiresAt) {
		if r.metrics != nil {
			r.metrics.APIKeyCacheHits.Inc()
		}
		return entry.result()
	}

	if r.metrics != nil {
		r.metrics.APIKeyCacheMisses.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have filled the entry while we waited for the lock.
	entry, found = r.cache[key]
	if found && r.now().Before(entry.expiresAt) {
		return entry.result()
	}

	var tenantID sql.NullString
	query := `SELECT tenant_id FROM admin_api_keys WHERE key = $1 AND is_active = true AND (expires_at IS NULL OR expires_at > NOW())`
	err := r.db.QueryRowContext(ctx, query, key).Scan(&tenantID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		entry = cacheEntry{}
	case err != nil:
		r.logger.Error("failed to validate API key in database", "error", err)
		return domain.APIKey{}, fmt.Errorf("authenticate api key: %w", err)
	default:
		entry = cacheEntry{key: domain.APIKey{Key: key, TenantID: tenantID.String}, found: true}
	}

	entry.expiresAt = r.now().Add(r.cacheTTL)
	r.cache[key] = entry
	return entry.result()
}

func (e cacheEntry) result() (domain.APIKey, error) {
	if !e.found {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return e.key, nil
}
