package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Pacer spaces uncached partner calls so that each quota bucket stays below
// its published capacity. One token bucket exists per rule: it holds up to
// MaxCapacity tokens and refills every RuleInterval. Endpoints with no rule
// pass straight through.
type Pacer struct {
	registry *Registry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewPacer(registry *Registry) *Pacer {
	return &Pacer{
		registry: registry,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a call to the endpoint is within quota, or the context
// ends.
func (p *Pacer) Wait(ctx context.Context, endpoint string, method string) error {
	rule, ok := p.registry.Lookup(endpoint, method)
	if !ok {
		return nil
	}

	r := p.limiter(rule).Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	log.Ctx(ctx).Debug().
		Str("rule", rule.Key()).
		Dur("delay", delay).
		Msg("pacing partner request")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (p *Pacer) limiter(rule Rule) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := rule.Key()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(RuleInterval(rule)), rule.MaxCapacity)
		p.limiters[key] = l
	}
	return l
}
