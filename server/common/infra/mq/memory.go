package mq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	commonlog "extapi/server/common/log"
)

// MemoryHub is the in-process broker behind connections that have no
// connection string. Messages are namespaced by tenant; each subscription
// receives one copy, load balanced across the connections bound to it.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[memorySubKey]*memorySubscription
}

type memorySubKey struct {
	tenantID     string
	topic        string
	subscription string
}

type memorySubscription struct {
	consumers []memoryConsumer
	next      atomic.Uint32
}

type memoryConsumer struct {
	conn    *memoryConnection
	handler DeliveryHandler
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: map[memorySubKey]*memorySubscription{}}
}

func (h *MemoryHub) attach(conn *memoryConnection, ep Endpoint) {
	key := memorySubKey{tenantID: conn.tenantID, topic: ep.Topic, subscription: ep.Subscription}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[key]
	if !ok {
		sub = &memorySubscription{}
		h.subs[key] = sub
	}
	sub.consumers = append(sub.consumers, memoryConsumer{conn: conn, handler: ep.Handler})
}

func (h *MemoryHub) detach(conn *memoryConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, sub := range h.subs {
		kept := sub.consumers[:0]
		for _, c := range sub.consumers {
			if c.conn != conn {
				kept = append(kept, c)
			}
		}
		sub.consumers = kept
		if len(sub.consumers) == 0 {
			delete(h.subs, key)
		}
	}
}

func (h *MemoryHub) publish(tenantID, topic string, msg Message) {
	h.mu.RLock()
	targets := make([]memoryConsumer, 0)
	for key, sub := range h.subs {
		if key.tenantID != tenantID || key.topic != topic || len(sub.consumers) == 0 {
			continue
		}
		idx := int(sub.next.Add(1)-1) % len(sub.consumers)
		targets = append(targets, sub.consumers[idx])
	}
	h.mu.RUnlock()

	for _, target := range targets {
		target.conn.dispatch(target.handler, msg)
	}
}

type memoryConnection struct {
	lifecycle
	tenantID string
	topology Topology
	hub      *MemoryHub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMemoryConnection(tenantID string, topology Topology, hub *MemoryHub) *memoryConnection {
	return &memoryConnection{tenantID: tenantID, topology: topology, hub: hub}
}

func (c *memoryConnection) TenantID() string {
	return c.tenantID
}

func (c *memoryConnection) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkStartable(); err != nil {
		return err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, ep := range c.endpoints {
		c.hub.attach(c, ep)
	}
	c.state = StateStarted
	return nil
}

func (c *memoryConnection) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return nil
	case StateCreated:
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	}
	c.hub.detach(c)
	c.cancel()
	c.state = StateStopped
	c.mu.Unlock()

	return waitGroupContext(ctx, &c.wg)
}

func (c *memoryConnection) Publish(ctx context.Context, msg Message) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	topic, err := c.topology.TopicFor(msg.Type)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.Topic = topic
	msg.Headers = cloneHeaders(msg.Headers)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.hub.publish(c.tenantID, topic, msg)
	return nil
}

func (c *memoryConnection) dispatch(handler DeliveryHandler, msg Message) {
	c.mu.Lock()
	if c.state != StateStarted {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		msg.Headers = cloneHeaders(msg.Headers)
		if err := handler(ctx, msg); err != nil {
			commonlog.Warnf("event=mq_delivery transport=memory status=dropped tenant_id=%s topic=%s message_id=%s outcome=%s error=%v", c.tenantID, msg.Topic, msg.ID, Classify(err), err)
		}
	}()
}

func cloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func waitGroupContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
