package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	commonlog "extapi/server/common/log"
	"extapi/server/common/metrics"
	"extapi/server/common/tenant"
)

// Event is a message payload with a registered type name.
type Event interface {
	MessageType() string
}

// Publisher sends events on the broker connection of the tenant carried by
// the caller's context.
type Publisher struct {
	connections ConnectionProvider
	metrics     *metrics.Metrics
}

func NewPublisher(connections ConnectionProvider, m *metrics.Metrics) *Publisher {
	return &Publisher{connections: connections, metrics: m}
}

// Publish attaches TenantId and TenantName headers, then overlays props.
// It fails with ErrNoTenantContext before any broker I/O when ctx has no
// tenant.
func (p *Publisher) Publish(ctx context.Context, event Event, props map[string]string) error {
	cfg, ok := tenant.FromContext(ctx)
	if !ok {
		return ErrNoTenantContext
	}
	msgType := event.MessageType()

	body, err := json.Marshal(event)
	if err != nil {
		p.metrics.ObservePublish(cfg.ID(), msgType, "encode_error")
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	conn, err := p.connections.GetOrCreate(ctx, cfg.ID())
	if errors.Is(err, ErrTenantInvalidated) {
		conn, err = p.connections.GetOrCreate(ctx, cfg.ID())
	}
	if err != nil {
		p.metrics.ObservePublish(cfg.ID(), msgType, "connection_error")
		return err
	}

	headers := map[string]string{
		HeaderTenantID:   cfg.ID(),
		HeaderTenantName: cfg.Name(),
	}
	for k, v := range props {
		headers[k] = v
	}

	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Body:      body,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
	if err := conn.Publish(ctx, msg); err != nil {
		p.metrics.ObservePublish(cfg.ID(), msgType, "failed")
		commonlog.Errorf("event=mq_publish status=failed tenant_id=%s type=%s message_id=%s error=%v", cfg.ID(), msgType, msg.ID, err)
		return err
	}
	p.metrics.ObservePublish(cfg.ID(), msgType, "ok")
	commonlog.Debugf("event=mq_publish status=ok tenant_id=%s type=%s message_id=%s", cfg.ID(), msgType, msg.ID)
	return nil
}
