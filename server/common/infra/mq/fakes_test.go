package mq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"extapi/server/common/tenant"
)

var testTopology = NewTopology(map[string]string{
	"ScanRequestedEvent": "file.scan.requested",
	"ScanResultEvent":    "file.scan.completed",
})

type staticRegistry struct {
	tenants map[string]tenant.Configuration
	lookups atomic.Int32
}

func newStaticRegistry(cfgs ...tenant.Configuration) *staticRegistry {
	r := &staticRegistry{tenants: map[string]tenant.Configuration{}}
	for _, cfg := range cfgs {
		r.tenants[cfg.ID()] = cfg
	}
	return r
}

func (r *staticRegistry) GetTenant(_ context.Context, tenantID string) (tenant.Configuration, error) {
	r.lookups.Add(1)
	cfg, ok := r.tenants[tenantID]
	if !ok {
		return tenant.Configuration{}, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, tenantID)
	}
	return cfg, nil
}

func (r *staticRegistry) GetAllTenants(_ context.Context) ([]tenant.Configuration, error) {
	out := make([]tenant.Configuration, 0, len(r.tenants))
	for _, cfg := range r.tenants {
		out = append(out, cfg)
	}
	return out, nil
}

type fakeConnection struct {
	tenantID   string
	startDelay time.Duration
	startErr   error
	stopErr    error
	publishErr error

	mu        sync.Mutex
	state     State
	endpoints []Endpoint
	published []Message
	starts    atomic.Int32
	stops     atomic.Int32
}

func (c *fakeConnection) TenantID() string { return c.tenantID }

func (c *fakeConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConnection) Bind(ep Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints = append(c.endpoints, ep)
	return nil
}

func (c *fakeConnection) Start(ctx context.Context) error {
	c.starts.Add(1)
	if c.startDelay > 0 {
		select {
		case <-time.After(c.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.state = StateStarted
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) Stop(context.Context) error {
	c.stops.Add(1)
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return c.stopErr
}

func (c *fakeConnection) Publish(_ context.Context, msg Message) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeConnection) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// fakeFactory hands out fakeConnections and records every creation.
type fakeFactory struct {
	startDelay time.Duration
	startErr   map[string]error
	stopErr    map[string]error

	mu      sync.Mutex
	created []*fakeConnection
	conns   map[string]string
}

func (f *fakeFactory) NewConnection(tenantID, connectionString string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := &fakeConnection{
		tenantID:   tenantID,
		startDelay: f.startDelay,
		startErr:   f.startErr[tenantID],
		stopErr:    f.stopErr[tenantID],
	}
	f.created = append(f.created, conn)
	if f.conns == nil {
		f.conns = map[string]string{}
	}
	f.conns[tenantID] = connectionString
	return conn, nil
}

func (f *fakeFactory) Created() []*fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConnection(nil), f.created...)
}

type scanRequested struct {
	FileID string `json:"file_id"`
}

func (scanRequested) MessageType() string { return "ScanRequestedEvent" }

type unregisteredEvent struct{}

func (unregisteredEvent) MessageType() string { return "SomethingElse" }
