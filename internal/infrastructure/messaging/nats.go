package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/events"
)

// NATSConn is the part of *nats.Conn the transport uses.
type NATSConn interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSTransport implements events.Transport on core NATS.
type NATSTransport struct {
	conn   NATSConn
	prefix string
}

var _ events.Transport = (*NATSTransport)(nil)

func NewNATSTransport(conn NATSConn, prefix string) *NATSTransport {
	return &NATSTransport{conn: conn, prefix: prefix}
}

// Send publishes the event and flushes so a dead connection surfaces here.
func (t *NATSTransport) Send(ctx context.Context, event events.Event) error {
	data, err := encode(event)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(t.prefix, event.Kind))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("Content-Type", "application/json")

	if err := t.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}

	log.WithFields(log.Fields{
		"event_id": event.ID,
		"subject":  msg.Subject,
	}).Debug("Event published to NATS")
	return nil
}

// DialNATS connects with reconnect handling and logging.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(sourceService),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Error("NATS disconnected with error")
			} else {
				log.Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithField("url", url).Info("Connected to NATS")
	return nc, nil
}
