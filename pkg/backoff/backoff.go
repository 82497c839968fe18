// Package backoff implements capped exponential backoff used by the retry
// queue and the connection reconnect loop.
package backoff

import "time"

// Policy computes successive delays: Base, Base*Multiplier, ... capped at Max.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Default mirrors the engine's retry defaults: 2s doubling to a 16s ceiling.
func Default() Policy {
	return Policy{
		Base:       2 * time.Second,
		Max:        16 * time.Second,
		Multiplier: 2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 16 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	return p
}

// Next returns the delay that follows current. A zero current yields Base.
func (p Policy) Next(current time.Duration) time.Duration {
	p = p.normalized()
	if current <= 0 {
		return p.Base
	}
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.Max {
		return p.Max
	}
	return next
}

// ForAttempt returns the delay before retry attempt n (1-based).
func (p Policy) ForAttempt(attempt int) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 1; i < attempt; i++ {
		d = p.Next(d)
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}
