package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults, used when neither the subscription nor the channel
// configures a value.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 16 * time.Second
)

// RetryPolicy bounds how often a failing handler is invoked again. A delivery
// gets at most 1+MaxRetries handler invocations. The wait before retry n
// (counting from 0) is BaseDelay*2^n, capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter randomises each wait by up to +/- Jitter of its value (0..1).
	Jitter float64
	// Disabled dead-letters on the first failure.
	Disabled bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Disabled {
		p.MaxRetries = 0
	} else if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p RetryPolicy) merge(fallback RetryPolicy) RetryPolicy {
	if p.MaxRetries == 0 && !p.Disabled {
		p.MaxRetries = fallback.MaxRetries
		p.Disabled = fallback.Disabled
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = fallback.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = fallback.MaxDelay
	}
	if p.Jitter == 0 {
		p.Jitter = fallback.Jitter
	}
	return p
}

// newBackOff returns the exponential schedule for one delivery.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = p.Jitter
	bo.Reset()
	return bo
}

// Delays returns the waits between the attempts of a delivery that always
// fails, without jitter.
func (p RetryPolicy) Delays() []time.Duration {
	p = p.withDefaults()
	p.Jitter = 0
	bo := p.newBackOff()
	delays := make([]time.Duration, p.MaxRetries)
	for i := range delays {
		delays[i] = bo.NextBackOff()
	}
	return delays
}

// Delivery describes the delivery a handler is working on. It is available
// from the handler context through DeliveryFromContext.
type Delivery struct {
	Handler      string
	Topic        string
	Group        string
	EventID      string
	PartitionKey string
	// Attempt counts handler invocations, starting at 1.
	Attempt    int
	MaxRetries int
}

// LastAttempt reports whether a failure of this attempt dead-letters.
func (d Delivery) LastAttempt() bool {
	return d.Attempt > d.MaxRetries
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery of the handler attempt running
// under ctx.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	if ctx == nil {
		return Delivery{}, false
	}
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
