package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ledgersync/internal/domain/adapter"
)

var (
	// ErrCircuitOpen is returned without invoking the adapter while an institution's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

var (
	breakerMeter          = otel.Meter("ledgersync/resilience")
	breakerTransitions, _ = breakerMeter.Int64Counter("resilience.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
)

// State mirrors the breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerSettings configures every institution breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration
	// Window is the rolling period after which closed-state counts reset.
	Window time.Duration
}

// DefaultBreakerSettings opens after 5 failures for 60 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, ResetTimeout: 60 * time.Second, Window: 60 * time.Second}
}

type institutionBreaker struct {
	cb *gobreaker.CircuitBreaker
	// forcedUntil holds a unix-nano deadline for a preemptive trip.
	forcedUntil atomic.Int64
}

// BreakerRegistry owns one breaker per institution. It is the only state shared
// across connection workers.
type BreakerRegistry struct {
	settings BreakerSettings
	mu       sync.Mutex
	breakers map[string]*institutionBreaker
	now      func() time.Time
}

// NewBreakerRegistry creates an empty registry
func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	def := DefaultBreakerSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = def.ResetTimeout
	}
	if settings.Window <= 0 {
		settings.Window = def.Window
	}
	return &BreakerRegistry{
		settings: settings,
		breakers: make(map[string]*institutionBreaker),
		now:      time.Now,
	}
}

func (r *BreakerRegistry) get(institution string) *institutionBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[institution]; ok {
		return b
	}

	threshold := r.settings.FailureThreshold
	b := &institutionBreaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        institution,
		MaxRequests: 1,
		Interval:    r.settings.Window,
		Timeout:     r.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"institution": name,
				"from":        from.String(),
				"to":          to.String(),
			}).Warn("Circuit breaker state changed")
			breakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("institution", name),
				attribute.String("to", to.String()),
			))
		},
	})
	r.breakers[institution] = b
	return b
}

// countsAsSuccess decides what the breaker records as a failure: only signals
// that the institution itself is unhealthy.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch adapter.ClassOf(err) {
	case adapter.ClassServerError, adapter.ClassNetworkTimeout, adapter.ClassMaintenance, adapter.ClassRateLimited:
		return false
	default:
		return true
	}
}

// Execute runs fn through the institution's breaker.
func (r *BreakerRegistry) Execute(institution string, fn func() error) error {
	b := r.get(institution)
	if until := b.forcedUntil.Load(); until > 0 && r.now().UnixNano() < until {
		return ErrCircuitOpen
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Trip opens an institution's breaker for d regardless of its counts.
func (r *BreakerRegistry) Trip(institution string, d time.Duration) {
	b := r.get(institution)
	b.forcedUntil.Store(r.now().Add(d).UnixNano())
	log.WithFields(log.Fields{
		"institution": institution,
		"duration":    d.String(),
	}).Warn("Circuit breaker tripped preemptively")
}

// State reports an institution's breaker state.
func (r *BreakerRegistry) State(institution string) State {
	b := r.get(institution)
	if until := b.forcedUntil.Load(); until > 0 && r.now().UnixNano() < until {
		return StateOpen
	}
	return convertState(b.cb.State())
}

// Snapshot reports the state of every breaker created so far.
func (r *BreakerRegistry) Snapshot() map[string]State {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = r.State(name)
	}
	return out
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
