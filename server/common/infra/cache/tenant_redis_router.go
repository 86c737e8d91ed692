package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"extapi/server/common/tenant"
)

var ErrNoRedis = errors.New("no redis configured for tenant")

type TenantRedisRouter struct {
	shared    *redis.Client
	registry  tenant.Registry
	cacheTTL  time.Duration
	mu        sync.RWMutex
	addrCache map[string]cachedRedisAddr
	clients   map[string]dedicatedClient
}

type cachedRedisAddr struct {
	connStr   string
	fetchedAt time.Time
}

type dedicatedClient struct {
	connStr string
	client  *redis.Client
}

func NewTenantRedisRouter(shared *redis.Client, registry tenant.Registry) *TenantRedisRouter {
	return &TenantRedisRouter{
		shared:    shared,
		registry:  registry,
		cacheTTL:  30 * time.Second,
		addrCache: map[string]cachedRedisAddr{},
		clients:   map[string]dedicatedClient{},
	}
}

func (r *TenantRedisRouter) ClientForTenant(ctx context.Context, tenantID string) (*redis.Client, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return r.sharedClient()
	}
	connStr, err := r.loadConnStr(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if connStr == "" {
		return r.sharedClient()
	}

	r.mu.RLock()
	if c, ok := r.clients[tenantID]; ok && c.connStr == connStr {
		r.mu.RUnlock()
		return c.client, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[tenantID]; ok {
		if c.connStr == connStr {
			return c.client, nil
		}
		_ = c.client.Close()
		delete(r.clients, tenantID)
	}
	client, err := NewClientFromConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	r.clients[tenantID] = dedicatedClient{connStr: connStr, client: client}
	return client, nil
}

func (r *TenantRedisRouter) sharedClient() (*redis.Client, error) {
	if r.shared == nil {
		return nil, ErrNoRedis
	}
	return r.shared, nil
}

func (r *TenantRedisRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, c := range r.clients {
		_ = c.client.Close()
		delete(r.clients, tenantID)
	}
}

func (r *TenantRedisRouter) InvalidateTenant(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrCache, tenantID)
	if c, ok := r.clients[tenantID]; ok {
		_ = c.client.Close()
		delete(r.clients, tenantID)
	}
}

func (r *TenantRedisRouter) loadConnStr(ctx context.Context, tenantID string) (string, error) {
	now := time.Now()
	r.mu.RLock()
	if cached, ok := r.addrCache[tenantID]; ok && now.Sub(cached.fetchedAt) < r.cacheTTL {
		r.mu.RUnlock()
		return cached.connStr, nil
	}
	r.mu.RUnlock()

	cfg, err := r.registry.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	connStr := cfg.ConnectionString(tenant.ConnRedis)

	r.mu.Lock()
	r.addrCache[tenantID] = cachedRedisAddr{connStr: connStr, fetchedAt: now}
	r.mu.Unlock()
	return connStr, nil
}
