package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"extapi/server/common/tenant"
)

var ErrNoDatabase = errors.New("no database configured for tenant")

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type cachedTenantDSN struct {
	dsn       string
	fetchedAt time.Time
}

type dedicatedPool struct {
	dsn  string
	pool *pgxpool.Pool
}

// TenantDBRouter hands out the tenant's own pool when its Database connection
// string is set and the shared pool otherwise.
type TenantDBRouter struct {
	shared    *pgxpool.Pool
	registry  tenant.Registry
	cacheTTL  time.Duration
	mu        sync.RWMutex
	dsnCache  map[string]cachedTenantDSN
	dedicated map[string]dedicatedPool
}

func NewTenantDBRouter(shared *pgxpool.Pool, registry tenant.Registry) *TenantDBRouter {
	return &TenantDBRouter{
		shared:    shared,
		registry:  registry,
		cacheTTL:  30 * time.Second,
		dsnCache:  map[string]cachedTenantDSN{},
		dedicated: map[string]dedicatedPool{},
	}
}

func (r *TenantDBRouter) DBForTenant(ctx context.Context, tenantID string) (*pgxpool.Pool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return r.sharedPool()
	}

	dsn, err := r.loadDSN(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return r.sharedPool()
	}

	r.mu.RLock()
	if existing, ok := r.dedicated[tenantID]; ok && existing.dsn == dsn {
		r.mu.RUnlock()
		return existing.pool, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.dedicated[tenantID]; ok {
		if existing.dsn == dsn {
			return existing.pool, nil
		}
		existing.pool.Close()
		delete(r.dedicated, tenantID)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	r.dedicated[tenantID] = dedicatedPool{dsn: dsn, pool: pool}
	return pool, nil
}

func (r *TenantDBRouter) sharedPool() (*pgxpool.Pool, error) {
	if r.shared == nil {
		return nil, ErrNoDatabase
	}
	return r.shared, nil
}

func (r *TenantDBRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, item := range r.dedicated {
		item.pool.Close()
		delete(r.dedicated, tenantID)
	}
}

func (r *TenantDBRouter) InvalidateTenant(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dsnCache, tenantID)
	if item, ok := r.dedicated[tenantID]; ok {
		item.pool.Close()
		delete(r.dedicated, tenantID)
	}
}

func (r *TenantDBRouter) loadDSN(ctx context.Context, tenantID string) (string, error) {
	now := time.Now()
	r.mu.RLock()
	if cached, ok := r.dsnCache[tenantID]; ok && now.Sub(cached.fetchedAt) < r.cacheTTL {
		r.mu.RUnlock()
		return cached.dsn, nil
	}
	r.mu.RUnlock()

	cfg, err := r.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	dsn := cfg.ConnectionString(tenant.ConnDatabase)

	r.mu.Lock()
	r.dsnCache[tenantID] = cachedTenantDSN{dsn: dsn, fetchedAt: now}
	r.mu.Unlock()
	return dsn, nil
}
