package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "extapi/server/common/log"
)

type amqpConnection struct {
	lifecycle
	tenantID       string
	url            string
	topology       Topology
	createTopology bool
	prefetch       int

	conn     *amqp.Connection
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	consumer []*amqp.Channel
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newAMQPConnection(tenantID, url string, topology Topology, createTopology bool, prefetch int) *amqpConnection {
	return &amqpConnection{
		tenantID:       tenantID,
		url:            url,
		topology:       topology,
		createTopology: createTopology,
		prefetch:       prefetch,
	}
}

func (c *amqpConnection) TenantID() string {
	return c.tenantID
}

// Start dials the broker, opens a confirm-mode publish channel and one
// consumer channel per bound endpoint. The dial and AMQP handshake are
// bounded by ctx.
func (c *amqpConnection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkStartable(); err != nil {
		return err
	}

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Dial:       contextDialer(ctx),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "scanman:" + c.tenantID},
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", firstErr(ctx.Err(), err))
	}

	if err := c.openChannels(conn); err != nil {
		c.abortStart(conn)
		return err
	}
	if err := ctx.Err(); err != nil {
		c.abortStart(conn)
		return err
	}

	c.conn = conn
	c.state = StateStarted
	go c.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

func (c *amqpConnection) abortStart(conn *amqp.Connection) {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeChannels()
	_ = conn.Close()
	c.pubCh = nil
	c.consumer = nil
}

func (c *amqpConnection) openChannels(conn *amqp.Connection) error {
	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	for _, topic := range c.topology.Topics() {
		if c.createTopology {
			err = pubCh.ExchangeDeclare(topic, "topic", true, false, false, false, nil)
		} else {
			err = pubCh.ExchangeDeclarePassive(topic, "topic", true, false, false, false, nil)
		}
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
	}
	c.pubCh = pubCh

	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, ep := range c.endpoints {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open consumer channel: %w", err)
		}
		c.consumer = append(c.consumer, ch)
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		// The subscription queue and its binding are provisioned outside
		// this service; only check that they exist.
		if _, err := ch.QueueDeclarePassive(ep.Subscription, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bind subscription %s: %w", ep.Subscription, err)
		}
		deliveries, err := ch.Consume(ep.Subscription, "scanman-"+uuid.NewString(), false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", ep.Subscription, err)
		}
		c.wg.Add(1)
		go c.consumeLoop(ep, deliveries)
	}
	return nil
}

func (c *amqpConnection) consumeLoop(ep Endpoint, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		c.wg.Add(1)
		go func(d amqp.Delivery) {
			defer c.wg.Done()
			c.settle(d, ep.Handler(c.ctx, messageFromDelivery(d, ep.Topic)))
		}(d)
	}
}

func (c *amqpConnection) settle(d amqp.Delivery, err error) {
	var ackErr error
	switch Classify(err) {
	case OutcomeSuccess:
		ackErr = d.Ack(false)
	case OutcomeInstanceMismatch:
		ackErr = d.Nack(false, true)
	case OutcomeFailure:
		if c.ctx.Err() != nil {
			// Shutting down mid-retry; let another consumer pick it up.
			ackErr = d.Nack(false, true)
			break
		}
		fallthrough
	default:
		commonlog.Errorf("event=mq_delivery transport=amqp status=dead_lettered tenant_id=%s message_id=%s error=%v", c.tenantID, d.MessageId, err)
		ackErr = d.Nack(false, false)
	}
	if ackErr != nil {
		commonlog.Warnf("event=mq_delivery transport=amqp action=settle status=failed tenant_id=%s message_id=%s error=%v", c.tenantID, d.MessageId, ackErr)
	}
}

func (c *amqpConnection) watchClose(ch <-chan *amqp.Error) {
	amqpErr, ok := <-ch
	if !ok || amqpErr == nil {
		return
	}
	commonlog.Errorf("event=mq_connection transport=amqp status=closed tenant_id=%s code=%d reason=%s", c.tenantID, amqpErr.Code, amqpErr.Reason)
}

func (c *amqpConnection) Stop(ctx context.Context) error {
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
	c.state = StateStopped
	c.cancel()
	c.closeChannels()
	conn := c.conn
	c.mu.Unlock()

	waitErr := waitGroupContext(ctx, &c.wg)
	closeErr := conn.Close()
	if errors.Is(closeErr, amqp.ErrClosed) {
		closeErr = nil
	}
	return errors.Join(waitErr, closeErr)
}

// closeChannels stops consumers first so in-flight handlers can still
// settle on their own channel until the connection closes.
func (c *amqpConnection) closeChannels() {
	for _, ch := range c.consumer {
		_ = ch.Cancel("", false)
	}
	c.pubMu.Lock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	c.pubMu.Unlock()
}

func (c *amqpConnection) Publish(ctx context.Context, msg Message) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	topic, err := c.topology.TopicFor(msg.Type)
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.pubMu.Lock()
	confirm, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx, topic, msg.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Body,
	})
	c.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked message %s", msg.Type, msg.ID)
	}
	return nil
}

func messageFromDelivery(d amqp.Delivery, topic string) Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}
	return Message{
		ID:        d.MessageId,
		Type:      d.Type,
		Topic:     topic,
		Body:      d.Body,
		Headers:   headers,
		Timestamp: d.Timestamp,
	}
}

// contextDialer honours ctx for the TCP dial and carries its deadline into
// the AMQP handshake; the client clears the deadline once the connection
// is open.
func contextDialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
