package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	commonlog "extapi/server/common/log"
	"extapi/server/common/metrics"
	"extapi/server/common/tenant"
)

const defaultStartTimeout = 30 * time.Second

// ConnectionProvider hands out the started broker connection of a tenant.
type ConnectionProvider interface {
	GetOrCreate(ctx context.Context, tenantID string) (Connection, error)
}

// ConnectionCache owns one started connection per tenant id. Concurrent
// callers for the same tenant share a single creation.
type ConnectionCache struct {
	registry     tenant.Registry
	factory      ConnectionFactory
	metrics      *metrics.Metrics
	startTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]Connection
	generations map[string]uint64
	disposed    bool
	creating    singleflight.Group
}

func NewConnectionCache(registry tenant.Registry, factory ConnectionFactory, m *metrics.Metrics) *ConnectionCache {
	return &ConnectionCache{
		registry:     registry,
		factory:      factory,
		metrics:      m,
		startTimeout: defaultStartTimeout,
		connections:  map[string]Connection{},
		generations:  map[string]uint64{},
	}
}

func (c *ConnectionCache) GetOrCreate(ctx context.Context, tenantID string) (Connection, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrNoTenantContext
	}

	c.mu.RLock()
	if c.disposed {
		c.mu.RUnlock()
		return nil, ErrDisposed
	}
	if existing, ok := c.connections[tenantID]; ok {
		c.mu.RUnlock()
		return existing, nil
	}
	c.mu.RUnlock()

	created, err, _ := c.creating.Do(tenantID, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.connections[tenantID]
		disposed := c.disposed
		generation := c.generations[tenantID]
		c.mu.RUnlock()
		if disposed {
			return nil, ErrDisposed
		}
		if ok {
			return existing, nil
		}
		// Waiters share this creation, so one caller's cancellation must
		// not fail the others.
		return c.create(context.WithoutCancel(ctx), tenantID, generation)
	})
	if err != nil {
		return nil, err
	}
	return created.(Connection), nil
}

// create builds and starts a connection. It is cached only if the tenant was
// not invalidated after generation was read; otherwise it is stopped and
// ErrTenantInvalidated is returned.
func (c *ConnectionCache) create(ctx context.Context, tenantID string, generation uint64) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	cfg, err := c.registry.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}

	connStr := cfg.ConnectionString(tenant.ConnMessageBroker)
	conn, err := c.factory.NewConnection(tenantID, connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Start(ctx); err != nil {
		_ = conn.Stop(context.Background())
		return nil, fmt.Errorf("start broker connection for tenant %s: %w", tenantID, err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = conn.Stop(ctx)
		return nil, ErrDisposed
	}
	if c.generations[tenantID] != generation {
		c.mu.Unlock()
		_ = conn.Stop(ctx)
		commonlog.Infof("event=broker_connection action=create status=discarded tenant_id=%s reason=invalidated", tenantID)
		return nil, ErrTenantInvalidated
	}
	c.connections[tenantID] = conn
	count := len(c.connections)
	c.mu.Unlock()

	transport := "broker"
	if connStr == "" {
		transport = "memory"
	}
	commonlog.Infof("event=broker_connection action=create status=started tenant_id=%s transport=%s", tenantID, transport)
	c.metrics.SetBrokerConnections(count)
	return conn, nil
}

func (c *ConnectionCache) Has(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.connections[strings.TrimSpace(tenantID)]
	return ok
}

// DisposeAll stops every cached connection. A failure for one tenant is
// logged and the rest are still stopped. Later calls are no-ops and later
// GetOrCreate calls fail with ErrDisposed.
func (c *ConnectionCache) DisposeAll(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	connections := c.connections
	c.connections = map[string]Connection{}
	c.mu.Unlock()

	var errs []error
	for tenantID, conn := range connections {
		if err := conn.Stop(ctx); err != nil {
			commonlog.Errorf("event=broker_connection action=dispose status=failed tenant_id=%s error=%v", tenantID, err)
			errs = append(errs, fmt.Errorf("stop tenant %s: %w", tenantID, err))
			continue
		}
		commonlog.Infof("event=broker_connection action=dispose status=stopped tenant_id=%s", tenantID)
	}
	c.metrics.SetBrokerConnections(0)
	return errors.Join(errs...)
}

// InvalidateTenant drops and stops the cached connection of tenantID so the
// next use reconnects with fresh configuration. A creation still in flight
// is discarded when it finishes.
func (c *ConnectionCache) InvalidateTenant(tenantID string) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return
	}

	c.mu.Lock()
	c.generations[tenantID]++
	conn, ok := c.connections[tenantID]
	delete(c.connections, tenantID)
	count := len(c.connections)
	c.mu.Unlock()
	c.creating.Forget(tenantID)
	if !ok {
		return
	}

	c.metrics.SetBrokerConnections(count)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Stop(ctx); err != nil {
		commonlog.Warnf("event=broker_connection action=invalidate status=failed tenant_id=%s error=%v", tenantID, err)
		return
	}
	commonlog.Infof("event=broker_connection action=invalidate status=stopped tenant_id=%s", tenantID)
}
