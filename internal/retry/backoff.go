package retry

import (
	"fmt"
	"strings"
	"time"
)

type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

func ParseBackoffKind(s string) (BackoffKind, error) {
	switch BackoffKind(strings.ToLower(strings.TrimSpace(s))) {
	case BackoffLinear:
		return BackoffLinear, nil
	case BackoffExponential, "":
		return BackoffExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Backoff computes the delay before the next attempt.
type Backoff struct {
	Kind BackoffKind
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Kind: BackoffExponential,
		Base: 5 * time.Second,
		Max:  60 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt, counting from one.
// Linear grows by Base per attempt, exponential doubles; both are capped at
// Max when Max is positive.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}

	var d time.Duration
	switch b.Kind {
	case BackoffLinear:
		d = b.Base * time.Duration(attempt)
	default:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d = b.Base * time.Duration(1<<shift)
	}

	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}
