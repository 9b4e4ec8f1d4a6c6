package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain/events"
)

func testEvent() events.Event {
	return events.New(events.KindBalanceUpdated, "user-1", "conn-1", "acc-1",
		time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), map[string]string{"balance": "1000.50"})
}

type MockNATSConn struct {
	PublishMsgFunc func(msg *nats.Msg) error
	FlushFunc      func(ctx context.Context) error
}

func (m *MockNATSConn) PublishMsg(msg *nats.Msg) error { return m.PublishMsgFunc(msg) }

func (m *MockNATSConn) FlushWithContext(ctx context.Context) error {
	if m.FlushFunc == nil {
		return nil
	}
	return m.FlushFunc(ctx)
}

func TestNATSTransport_Send(t *testing.T) {
	var got *nats.Msg
	conn := &MockNATSConn{PublishMsgFunc: func(msg *nats.Msg) error {
		got = msg
		return nil
	}}
	event := testEvent()

	err := NewNATSTransport(conn, "ledgersync.events").Send(context.Background(), event)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "ledgersync.events.balance.updated", got.Subject)
	assert.Equal(t, event.ID, got.Header.Get(nats.MsgIdHdr))

	var env Envelope
	require.NoError(t, json.Unmarshal(got.Data, &env))
	assert.Equal(t, event.ID, env.EventID)
	assert.Equal(t, "balance.updated", env.EventType)
	assert.Equal(t, "ledgersync", env.SourceService)

	var payload events.Event
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "acc-1", payload.AccountID)
	assert.Equal(t, "1000.50", payload.Payload["balance"])
}

func TestNATSTransport_Errors(t *testing.T) {
	tests := []struct {
		name string
		conn *MockNATSConn
	}{
		{
			name: "publish fails",
			conn: &MockNATSConn{PublishMsgFunc: func(*nats.Msg) error { return nats.ErrConnectionClosed }},
		},
		{
			name: "flush fails",
			conn: &MockNATSConn{
				PublishMsgFunc: func(*nats.Msg) error { return nil },
				FlushFunc:      func(context.Context) error { return nats.ErrTimeout },
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewNATSTransport(tt.conn, "x").Send(context.Background(), testEvent())
			assert.Error(t, err)
		})
	}
}

type MockAMQPChannel struct {
	PublishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

func (m *MockAMQPChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return m.PublishFunc(ctx, exchange, key, msg)
}

func TestRabbitTransport_Send(t *testing.T) {
	var (
		gotExchange, gotKey string
		gotMsg              amqp.Publishing
	)
	ch := &MockAMQPChannel{PublishFunc: func(_ context.Context, exchange, key string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
		gotExchange, gotKey, gotMsg = exchange, key, msg
		return nil, nil
	}}
	event := testEvent()
	event.Kind = events.KindSyncStatus

	err := NewRabbitTransport(ch, "notifications", "ledgersync").Send(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, "notifications", gotExchange)
	assert.Equal(t, "ledgersync.sync.status", gotKey)
	assert.Equal(t, event.ID, gotMsg.MessageId)
	assert.Equal(t, amqp.Persistent, gotMsg.DeliveryMode)
	assert.Equal(t, "application/json", gotMsg.ContentType)
}

func TestRabbitTransport_PublishError(t *testing.T) {
	ch := &MockAMQPChannel{PublishFunc: func(context.Context, string, string, amqp.Publishing) (*amqp.DeferredConfirmation, error) {
		return nil, amqp.ErrClosed
	}}

	err := NewRabbitTransport(ch, "notifications", "").Send(context.Background(), testEvent())
	assert.True(t, errors.Is(err, amqp.ErrClosed))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "balance.updated", Subject("", events.KindBalanceUpdated))
	assert.Equal(t, "a.b.sync.status", Subject("a.b.", events.KindSyncStatus))
}
