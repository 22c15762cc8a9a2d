package health

import (
	"log"
	"sync"
	"time"

	"github.com/wakala/payments/internal/domain"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type Decision int

const (
	Rejected Decision = iota
	Allowed
)

// circuit is the breaker state for one gateway. All fields are guarded by mu;
// contention on one gateway never blocks callers of another.
type circuit struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// Tracker is the per-gateway circuit breaker registry. One circuit per
// gateway type, created lazily, never destroyed. Passed by injection so a
// distributed implementation can replace it if workers span processes.
type Tracker struct {
	mu       sync.Mutex
	circuits map[domain.GatewayType]*circuit

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewTracker(threshold int, cooldown time.Duration) *Tracker {
	return &Tracker{
		circuits:  make(map[domain.GatewayType]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (t *Tracker) circuitFor(gw domain.GatewayType) *circuit {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.circuits[gw]
	if !ok {
		c = &circuit{state: StateClosed}
		t.circuits[gw] = c
	}
	return c
}

// BeforeCall gates an outbound call to the gateway. While the circuit is
// open, one probe is admitted per cooldown window; everyone else is rejected
// until the probe's outcome is recorded.
func (t *Tracker) BeforeCall(gw domain.GatewayType) Decision {
	c := t.circuitFor(gw)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return Allowed
	case StateOpen:
		if t.now().Sub(c.openedAt) < t.cooldown {
			return Rejected
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		log.Printf("[health] %s: cooldown elapsed, admitting half-open probe", gw)
		return Allowed
	default: // half-open, probe already in flight
		return Rejected
	}
}

// RecordSuccess notes a successful gateway outcome. An open circuit stays
// open: only its probe decides recovery, so a late webhook success landing
// mid-cooldown cannot short-circuit it.
func (t *Tracker) RecordSuccess(gw domain.GatewayType) {
	c := t.circuitFor(gw)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen {
		return
	}
	c.consecutiveFailures = 0
	if c.state == StateHalfOpen {
		log.Printf("[health] %s: probe succeeded, closing circuit", gw)
	}
	c.state = StateClosed
	c.probeInFlight = false
}

// RecordFailure notes a failed gateway outcome. A half-open probe failure
// reopens the circuit immediately with a fresh cooldown.
func (t *Tracker) RecordFailure(gw domain.GatewayType) {
	c := t.circuitFor(gw)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = t.now()
		c.probeInFlight = false
		log.Printf("[health] %s: probe failed, reopening circuit", gw)
	case StateClosed:
		if c.consecutiveFailures >= t.threshold {
			c.state = StateOpen
			c.openedAt = t.now()
			log.Printf("[health] %s: %d consecutive failures, opening circuit", gw, c.consecutiveFailures)
		}
	}
}

// ReleaseProbe abandons a half-open probe whose outcome will never be
// recorded, reopening the circuit so a later caller can probe again once the
// cooldown allows. A no-op when the probe's outcome has already been
// recorded; openedAt is kept, so an already-elapsed cooldown admits the next
// probe immediately.
func (t *Tracker) ReleaseProbe(gw domain.GatewayType) {
	c := t.circuitFor(gw)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateHalfOpen && c.probeInFlight {
		c.state = StateOpen
		c.probeInFlight = false
		log.Printf("[health] %s: probe abandoned without an outcome, reopening circuit", gw)
	}
}

// GatewayHealth is a read-only snapshot of one circuit, for the operator API.
type GatewayHealth struct {
	Gateway             domain.GatewayType `json:"gateway"`
	State               State              `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	OpenedAt            *time.Time         `json:"opened_at,omitempty"`
}

func (t *Tracker) Snapshot() []GatewayHealth {
	out := make([]GatewayHealth, 0, len(domain.AllGateways))
	for _, gw := range domain.AllGateways {
		c := t.circuitFor(gw)
		c.mu.Lock()
		h := GatewayHealth{
			Gateway:             gw,
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
		}
		if c.state != StateClosed && !c.openedAt.IsZero() {
			opened := c.openedAt
			h.OpenedAt = &opened
		}
		c.mu.Unlock()
		out = append(out, h)
	}
	return out
}
