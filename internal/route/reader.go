package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"mes-execution-backend/internal/apperr"
	"mes-execution-backend/internal/model"
)

// Reader resolves route snapshots. Parsed snapshots are cached per route
// version; versions are immutable so entries never go stale.
type Reader struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewReader creates a reader whose cache evicts entries idle for ttl.
func NewReader(db *gorm.DB, ttl time.Duration) *Reader {
	return &Reader{db: db, cache: cache.New(ttl, 2*ttl)}
}

// With returns a reader bound to tx that shares the cache.
func (r *Reader) With(tx *gorm.DB) *Reader {
	return &Reader{db: tx, cache: r.cache}
}

// Load returns the snapshot of a route version.
func (r *Reader) Load(ctx context.Context, versionID string) (*Snapshot, error) {
	if cached, ok := r.cache.Get(versionID); ok {
		return cached.(*Snapshot), nil
	}

	var version model.RouteVersion
	if err := r.db.WithContext(ctx).First(&version, "id = ?", versionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("ROUTE_VERSION_NOT_FOUND", "route version %s not found", versionID)
		}
		return nil, fmt.Errorf("load route version %s: %w", versionID, err)
	}

	snap, err := NewSnapshot(version)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(versionID, snap)
	return snap, nil
}

// ForRun returns the snapshot bound to run.
func (r *Reader) ForRun(ctx context.Context, run *model.Run) (*Snapshot, error) {
	if run.RouteVersionID == nil || *run.RouteVersionID == "" {
		return nil, apperr.Conflict("ROUTE_VERSION_NOT_READY", "run %s has no executable route version", run.RunNo)
	}
	return r.Load(ctx, *run.RouteVersionID)
}
