package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrDisposed                    = errors.New("broker connection cache already disposed")
	ErrNoTenantContext             = errors.New("no tenant context")
	ErrUnknownMessageType          = errors.New("message type is not registered")
	ErrUnsupportedConnectionString = errors.New("unsupported broker connection string")
	ErrNotStarted                  = errors.New("broker connection is not started")
	ErrAlreadyStarted              = errors.New("broker connection already started")
	ErrStopped                     = errors.New("broker connection is stopped")
	ErrTenantInvalidated           = errors.New("tenant invalidated while its broker connection was starting")
)

const (
	HeaderTenantID   = "TenantId"
	HeaderTenantName = "TenantName"
)

type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Message is the transport envelope. Body is the JSON encoded event.
type Message struct {
	ID        string
	Type      string
	Topic     string
	Body      []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DeliveryHandler processes one inbound message. Returning an error that
// wraps ErrInstanceMismatch asks the broker to hand the message to another
// consumer; any other error is a processing failure.
type DeliveryHandler func(ctx context.Context, msg Message) error

// Endpoint binds a subscription on a topic to a handler.
type Endpoint struct {
	Topic        string
	Subscription string
	Handler      DeliveryHandler
}

// Connection is a broker connection scoped to one tenant.
type Connection interface {
	TenantID() string
	State() State
	// Bind registers a consumer endpoint. Only valid before Start.
	Bind(ep Endpoint) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
}

// ConnectionFactory builds unstarted connections.
type ConnectionFactory interface {
	NewConnection(tenantID, connectionString string) (Connection, error)
}

// Topology maps message types to topic names. It is immutable after
// construction.
type Topology struct {
	topics map[string]string
}

func NewTopology(bindings map[string]string) Topology {
	topics := make(map[string]string, len(bindings))
	for msgType, topic := range bindings {
		topics[msgType] = topic
	}
	return Topology{topics: topics}
}

func (t Topology) TopicFor(msgType string) (string, error) {
	topic, ok := t.topics[msgType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)
	}
	return topic, nil
}

// Topics returns the distinct topic names in stable order.
func (t Topology) Topics() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(t.topics))
	for _, topic := range t.topics {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// lifecycle is the Created -> Started -> Stopped state shared by the
// transports.
type lifecycle struct {
	mu        sync.Mutex
	state     State
	endpoints []Endpoint
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) Bind(ep Endpoint) error {
	if strings.TrimSpace(ep.Topic) == "" || strings.TrimSpace(ep.Subscription) == "" || ep.Handler == nil {
		return errors.New("endpoint requires topic, subscription and handler")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateCreated {
		return ErrAlreadyStarted
	}
	l.endpoints = append(l.endpoints, ep)
	return nil
}

func (l *lifecycle) checkStartable() error {
	switch l.state {
	case StateStarted:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}
	return nil
}

func (l *lifecycle) requireStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateCreated:
		return ErrNotStarted
	case StateStopped:
		return ErrStopped
	}
	return nil
}
