package mq

import (
	"fmt"
	"strings"
	"sync"
)

// TransportFactory picks a transport from the connection string scheme:
// empty -> in-memory, amqp(s):// -> AMQP 0.9.1, kafka:// -> Kafka.
type TransportFactory struct {
	Topology Topology
	Hub      *MemoryHub
	// CreateTopology lets publish connections declare exchanges/topics.
	// Consumer connections leave it false and bind to existing topology.
	CreateTopology bool
	// Prefetch bounds in-flight deliveries per endpoint.
	Prefetch int

	hubOnce sync.Once
}

func (f *TransportFactory) NewConnection(tenantID, connectionString string) (Connection, error) {
	connectionString = strings.TrimSpace(connectionString)
	lower := strings.ToLower(connectionString)
	switch {
	case connectionString == "":
		return newMemoryConnection(tenantID, f.Topology, f.hub()), nil
	case strings.HasPrefix(lower, "amqp://"), strings.HasPrefix(lower, "amqps://"):
		return newAMQPConnection(tenantID, connectionString, f.Topology, f.CreateTopology, f.prefetch()), nil
	case strings.HasPrefix(lower, "kafka://"):
		brokers, err := parseKafkaBrokers(connectionString)
		if err != nil {
			return nil, err
		}
		return newKafkaConnection(tenantID, brokers, f.Topology, f.CreateTopology), nil
	default:
		return nil, fmt.Errorf("%w for tenant %s", ErrUnsupportedConnectionString, tenantID)
	}
}

func (f *TransportFactory) hub() *MemoryHub {
	f.hubOnce.Do(func() {
		if f.Hub == nil {
			f.Hub = NewMemoryHub()
		}
	})
	return f.Hub
}

func (f *TransportFactory) prefetch() int {
	if f.Prefetch <= 0 {
		return 16
	}
	return f.Prefetch
}

func parseKafkaBrokers(connectionString string) ([]string, error) {
	rest := connectionString[len("kafka://"):]
	if idx := strings.IndexAny(rest, "/?"); idx >= 0 {
		rest = rest[:idx]
	}
	brokers := make([]string, 0)
	for _, part := range strings.Split(rest, ",") {
		if b := strings.TrimSpace(part); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka connection string has no brokers", ErrUnsupportedConnectionString)
	}
	return brokers, nil
}
