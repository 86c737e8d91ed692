package mq

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestKafkaDialTriesEveryBroker(t *testing.T) {
	first, second := closedAddr(t), closedAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := dialAny(ctx, &kafka.Dialer{Timeout: time.Second}, []string{first, second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), first)
	assert.Contains(t, err.Error(), second)
}

func TestKafkaStartFailsWhenNoBrokerAnswers(t *testing.T) {
	f := &TransportFactory{Topology: testTopology}
	conn, err := f.NewConnection("acme", "kafka://"+closedAddr(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorContains(t, conn.Start(ctx), "dial kafka")
	assert.Equal(t, StateCreated, conn.State())
}
