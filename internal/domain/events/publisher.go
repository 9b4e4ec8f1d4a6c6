package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	eventMeter        = otel.Meter("ledgersync/events")
	eventsDelivered   metric.Int64Counter
	eventsDropped     metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventMetricsReady sync.Once
)

func initEventMetrics() {
	eventMetricsReady.Do(func() {
		eventsDelivered, _ = eventMeter.Int64Counter("events.delivered",
			metric.WithDescription("Events handed to the transport"))
		eventsDropped, _ = eventMeter.Int64Counter("events.dropped",
			metric.WithDescription("Events dropped because the buffer was full"))
		eventsFailed, _ = eventMeter.Int64Counter("events.failed",
			metric.WithDescription("Events the transport rejected"))
	})
}

// Publisher is what the sync engine emits notifications through. Publish never blocks
// on delivery and its failures never affect sync correctness.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Transport delivers one event to the notification core.
// Implemented by the NATS and RabbitMQ clients in the infrastructure layer.
type Transport interface {
	Send(ctx context.Context, event Event) error
}

// AsyncPublisher buffers events and delivers them on a background goroutine.
type AsyncPublisher struct {
	transport   Transport
	queue       chan Event
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncPublisher creates a publisher with the given buffer size
func NewAsyncPublisher(transport Transport, buffer int) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	initEventMetrics()
	return &AsyncPublisher{
		transport:   transport,
		queue:       make(chan Event, buffer),
		sendTimeout: 5 * time.Second,
	}
}

// Start launches the delivery goroutine.
func (p *AsyncPublisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Publish enqueues an event, dropping it when the buffer is full.
func (p *AsyncPublisher) Publish(ctx context.Context, event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		log.WithField("event_kind", string(event.Kind)).Debug("Publisher closed, event dropped")
		return
	}

	select {
	case p.queue <- event:
	default:
		eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(event.Kind))))
		log.WithFields(log.Fields{
			"event_kind":    string(event.Kind),
			"connection_id": event.ConnectionID,
		}).Warn("Event buffer full, dropping event")
	}
}

// Close stops accepting events and drains what is buffered.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *AsyncPublisher) run() {
	defer p.wg.Done()

	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
		err := p.transport.Send(ctx, event)
		cancel()

		attrs := metric.WithAttributes(attribute.String("kind", string(event.Kind)))
		if err != nil {
			eventsFailed.Add(context.Background(), 1, attrs)
			log.WithError(err).WithFields(log.Fields{
				"event_id":   event.ID,
				"event_kind": string(event.Kind),
			}).Warn("Failed to deliver event")
			continue
		}
		eventsDelivered.Add(context.Background(), 1, attrs)
	}
}

// LogTransport writes events to the log. Used when no broker is configured.
type LogTransport struct{}

// Send logs the event
func (LogTransport) Send(_ context.Context, event Event) error {
	log.WithFields(log.Fields{
		"event_id":      event.ID,
		"event_kind":    string(event.Kind),
		"user_id":       event.UserID,
		"connection_id": event.ConnectionID,
		"account_id":    event.AccountID,
	}).Info("Event published")
	return nil
}
