package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	commonlog "extapi/server/common/log"
)

type kafkaConnection struct {
	lifecycle
	tenantID       string
	brokers        []string
	topology       Topology
	createTopology bool

	writer  *kafka.Writer
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newKafkaConnection(tenantID string, brokers []string, topology Topology, createTopology bool) *kafkaConnection {
	return &kafkaConnection{
		tenantID:       tenantID,
		brokers:        brokers,
		topology:       topology,
		createTopology: createTopology,
	}
}

func (c *kafkaConnection) TenantID() string {
	return c.tenantID
}

// Start verifies a broker is reachable within ctx, then creates the writer
// and one group reader per endpoint. The subscription name is the consumer
// group id.
func (c *kafkaConnection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkStartable(); err != nil {
		return err
	}

	dialer := &kafka.Dialer{ClientID: "scanman-" + c.tenantID}
	if err := dialAny(ctx, dialer, c.brokers); err != nil {
		return err
	}

	c.writer = &kafka.Writer{
		Addr:                   kafka.TCP(c.brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: c.createTopology,
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, ep := range c.endpoints {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.brokers,
			Topic:    ep.Topic,
			GroupID:  ep.Subscription,
			Dialer:   dialer,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
		c.readers = append(c.readers, reader)
		c.wg.Add(1)
		go c.consumeLoop(ep, reader)
	}
	c.state = StateStarted
	return nil
}

// consumeLoop handles messages one at a time so offsets are committed in
// order. A failing message holds up its partition until the retry policy is
// exhausted, about 15s with the default interval tier.
func (c *kafkaConnection) consumeLoop(ep Endpoint, reader *kafka.Reader) {
	defer c.wg.Done()
	for {
		m, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			commonlog.Warnf("event=mq_delivery transport=kafka action=fetch status=failed tenant_id=%s topic=%s error=%v", c.tenantID, ep.Topic, err)
			if sleepContext(c.ctx, time.Second) != nil {
				return
			}
			continue
		}

		msg := messageFromKafka(m)
		handleErr := ep.Handler(c.ctx, msg)
		if handleErr != nil && c.ctx.Err() != nil {
			// Leave the offset uncommitted; the group rebalances it.
			return
		}
		switch Classify(handleErr) {
		case OutcomeInstanceMismatch:
			commonlog.Debugf("event=mq_delivery transport=kafka status=skipped tenant_id=%s message_id=%s reason=instance_mismatch", c.tenantID, msg.ID)
		case OutcomeFailure:
			commonlog.Errorf("event=mq_delivery transport=kafka status=dropped tenant_id=%s message_id=%s error=%v", c.tenantID, msg.ID, handleErr)
		}
		if err := reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
			commonlog.Warnf("event=mq_delivery transport=kafka action=commit status=failed tenant_id=%s message_id=%s error=%v", c.tenantID, msg.ID, err)
		}
	}
}

// dialAny succeeds as soon as one broker accepts a connection.
func dialAny(ctx context.Context, dialer *kafka.Dialer, brokers []string) error {
	var errs []error
	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("dial kafka: %w", firstErr(ctx.Err(), errors.Join(errs...)))
}

func (c *kafkaConnection) Stop(ctx context.Context) error {
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
	readers := c.readers
	writer := c.writer
	c.mu.Unlock()

	errs := []error{waitGroupContext(ctx, &c.wg)}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, writer.Close())
	return errors.Join(errs...)
}

func (c *kafkaConnection) Publish(ctx context.Context, msg Message) error {
	if err := c.requireStarted(); err != nil {
		return err
	}
	topic, err := c.topology.TopicFor(msg.Type)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(msg.Headers)+2)
	headers = append(headers,
		kafka.Header{Key: "MessageId", Value: []byte(msg.ID)},
		kafka.Header{Key: "MessageType", Value: []byte(msg.Type)},
	)
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := c.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.Timestamp,
	}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func messageFromKafka(m kafka.Message) Message {
	msg := Message{
		Topic:     m.Topic,
		Body:      m.Value,
		Headers:   make(map[string]string, len(m.Headers)),
		Timestamp: m.Time,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case "MessageId":
			msg.ID = string(h.Value)
		case "MessageType":
			msg.Type = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	if msg.ID == "" {
		msg.ID = string(m.Key)
	}
	return msg
}
