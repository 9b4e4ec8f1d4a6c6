package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/adapter"
)

var (
	// ErrReauthRequired means the token refresh failed or was not possible and the
	// user must re-authenticate the connection.
	ErrReauthRequired = errors.New("reauthentication required")
)

// Policy bounds retries for one adapter call.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	RateLimitCap time.Duration
	CallTimeout  time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		RateLimitCap: 60 * time.Second,
		CallTimeout:  30 * time.Second,
	}
}

// Call is one guarded adapter operation.
type Call struct {
	Institution string
	Op          string
	Do          func(ctx context.Context) error
	// Refresh renews the connection's tokens. Nil means the auth type cannot refresh.
	Refresh func(ctx context.Context) error
	// FallbackInstitution and Fallback name the secondary adapter tried once the
	// primary is exhausted or its breaker is open.
	FallbackInstitution string
	Fallback            func(ctx context.Context) error
}

// Result describes how a call was satisfied.
type Result struct {
	Attempts     int
	Refreshed    bool
	UsedFallback bool
}

// Executor applies breaker, retry and fallback rules to adapter calls.
type Executor struct {
	breakers *BreakerRegistry
	policy   Policy
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over a breaker registry
func NewExecutor(breakers *BreakerRegistry, policy Policy) *Executor {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.RateLimitCap <= 0 {
		policy.RateLimitCap = def.RateLimitCap
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = def.CallTimeout
	}
	return &Executor{breakers: breakers, policy: policy, sleep: sleepContext}
}

// Breakers exposes the registry for health reporting.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// Run executes call until it succeeds or its error class stops retrying.
func (e *Executor) Run(ctx context.Context, call Call) (Result, error) {
	var res Result
	bo := e.newBackOff()
	tries := 0

	for {
		res.Attempts++
		tries++
		err := e.breakers.Execute(call.Institution, func() error {
			return e.invoke(ctx, call.Institution, call.Op, call.Do)
		})
		if err == nil {
			return res, nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			return e.fallback(ctx, call, &res, err)
		}

		class := adapter.ClassOf(err)
		entry := log.WithFields(log.Fields{
			"institution": call.Institution,
			"op":          call.Op,
			"class":       string(class),
			"attempt":     res.Attempts,
		})

		switch {
		case class == adapter.ClassAuthExpired:
			if res.Refreshed || call.Refresh == nil {
				return res, fmt.Errorf("%w: %w", ErrReauthRequired, err)
			}
			res.Refreshed = true
			if rerr := e.invoke(ctx, call.Institution, "refresh", call.Refresh); rerr != nil {
				entry.WithError(rerr).Warn("Token refresh failed")
				return res, fmt.Errorf("%w: %w", ErrReauthRequired, rerr)
			}
			entry.Info("Token refreshed, retrying call")

		case class == adapter.ClassRateLimited:
			delay := bo.NextBackOff()
			if hint := adapter.RetryAfterOf(err); hint > delay {
				delay = hint
			}
			if delay > e.policy.RateLimitCap {
				e.breakers.Trip(call.Institution, delay)
				return res, err
			}
			if tries >= e.policy.MaxAttempts {
				return res, err
			}
			entry.WithField("delay", delay.String()).Info("Rate limited, backing off")
			if serr := e.sleep(ctx, delay); serr != nil {
				return res, serr
			}

		case class.Transient():
			if tries >= e.policy.MaxAttempts {
				entry.Warn("Retries exhausted")
				return e.fallback(ctx, call, &res, err)
			}
			delay := bo.NextBackOff()
			entry.WithField("delay", delay.String()).Info("Transient failure, retrying")
			if serr := e.sleep(ctx, delay); serr != nil {
				return res, serr
			}

		default:
			return res, err
		}
	}
}

func (e *Executor) fallback(ctx context.Context, call Call, res *Result, cause error) (Result, error) {
	if call.Fallback == nil || call.FallbackInstitution == "" {
		return *res, cause
	}

	log.WithFields(log.Fields{
		"institution": call.Institution,
		"fallback":    call.FallbackInstitution,
		"op":          call.Op,
	}).Warn("Using fallback adapter")

	res.Attempts++
	res.UsedFallback = true
	err := e.breakers.Execute(call.FallbackInstitution, func() error {
		return e.invoke(ctx, call.FallbackInstitution, call.Op, call.Fallback)
	})
	if err != nil {
		return *res, fmt.Errorf("fallback %s failed: %w", call.FallbackInstitution, err)
	}
	return *res, nil
}

// invoke bounds one call by the call timeout. The call is detached from run
// cancellation, which is only observed between accounts.
func (e *Executor) invoke(ctx context.Context, institution, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.policy.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return adapter.NewError(adapter.ClassNetworkTimeout, institution, op, callCtx.Err())
	}
}

func (e *Executor) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.BaseDelay
	bo.MaxInterval = e.policy.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
