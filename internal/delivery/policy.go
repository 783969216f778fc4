package delivery

import (
	"math"
	"time"

	"github.com/austindbirch/hookrelay/internal/store"
)

const (
	DefaultMaxAttempts = 6
	DefaultBaseDelay   = 10 * time.Second
)

// Policy bounds a delivery: MaxAttempts total tries with exponential backoff between them
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Backoff returns the delay scheduled after failed attempt n: BaseDelay * 2^(n-1)
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	return d
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeExhausted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Outcome is the decision taken after an attempt's row is recorded.
// Delay is only meaningful for OutcomeRetry.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration
}

// Decide maps the status of attempt n to the next step of the delivery
func Decide(p Policy, attempt int, status store.Status) Outcome {
	if status == store.StatusSuccess {
		return Outcome{Kind: OutcomeSuccess}
	}
	if attempt >= p.MaxAttempts {
		return Outcome{Kind: OutcomeExhausted}
	}
	return Outcome{Kind: OutcomeRetry, Delay: p.Backoff(attempt)}
}
