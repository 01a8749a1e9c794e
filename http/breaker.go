package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned without contacting the service while the
// breaker is open.
var ErrCircuitOpen = errors.New("index service circuit is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// breaker fails fast after threshold consecutive transient failures and
// lets one probe through once cooldown has elapsed.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	state     circuitState
	failures  int
	openedAt  time.Time
	probing   bool
	now       func() time.Time
	log       *logrus.Entry
}

func newBreaker(threshold int, cooldown time.Duration, log *logrus.Entry) *breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now, log: log}
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.moveTo(circuitHalfOpen)
		b.probing = true
	case circuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

// record settles the outcome of a request admitted by allow.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state != circuitClosed {
			b.moveTo(circuitClosed)
		}
		return
	}
	if !countsAgainstCircuit(err) {
		b.probing = false
		return
	}
	b.failures++
	if b.state == circuitHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.moveTo(circuitOpen)
	}
}

func (b *breaker) current() circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == circuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return circuitHalfOpen
	}
	return b.state
}

func (b *breaker) moveTo(s circuitState) {
	if b.state == s {
		return
	}
	entry := b.log.WithFields(logrus.Fields{"from": b.state.String(), "to": s.String(), "failures": b.failures})
	if s == circuitOpen {
		entry.Warn("Index service circuit opened")
	} else {
		entry.Info("Index service circuit state changed")
	}
	b.state = s
	b.probing = false
}

// countsAgainstCircuit reports whether err says the service is unhealthy.
// Client errors and cancellation don't.
func countsAgainstCircuit(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}
