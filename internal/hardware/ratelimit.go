package hardware

import (
	"sync"
	"time"
)

// Rate limiter defaults. Servos wear; a robot that gestures at every
// sentence is also just annoying.
const (
	DefaultExpressionInterval = 2 * time.Second
	DefaultGestureInterval    = 15 * time.Second
	DefaultMaxMediumPerSession = 5
	DefaultMaxHighPerSession   = 2
)

// ExpressionRateLimiter throttles the expression tool by intensity. Low
// intensity (eyes only) passes after a short cooldown; medium and high add
// a gesture cooldown and per-session caps. Callers downgrade to low instead
// of refusing outright, so the face still reacts.
//
// One limiter per session. Safe for concurrent use.
type ExpressionRateLimiter struct {
	expressionInterval time.Duration
	gestureInterval    time.Duration
	maxMedium          int
	maxHigh            int

	// now is swappable for tests.
	now func() time.Time

	mu             sync.Mutex
	lastExpression time.Time
	lastGesture    time.Time
	mediumCount    int
	highCount      int
}

// NewExpressionRateLimiter returns a limiter with the default intervals and
// session caps.
func NewExpressionRateLimiter() *ExpressionRateLimiter {
	return &ExpressionRateLimiter{
		expressionInterval: DefaultExpressionInterval,
		gestureInterval:    DefaultGestureInterval,
		maxMedium:          DefaultMaxMediumPerSession,
		maxHigh:            DefaultMaxHighPerSession,
		now:                time.Now,
	}
}

// Allow reports whether an expression at the given intensity may run now.
// When it may not, reason explains why so the caller can log the downgrade.
func (l *ExpressionRateLimiter) Allow(intensity string) (ok bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.lastExpression.IsZero() && now.Sub(l.lastExpression) < l.expressionInterval {
		return false, "too soon after last expression"
	}
	switch intensity {
	case IntensityLow:
		return true, ""
	case IntensityMedium:
		if !l.lastGesture.IsZero() && now.Sub(l.lastGesture) < l.gestureInterval {
			return false, "gesture on cooldown"
		}
		if l.mediumCount >= l.maxMedium {
			return false, "medium intensity session limit reached"
		}
		return true, ""
	case IntensityHigh:
		// High intensity doubles the gesture cooldown.
		if !l.lastGesture.IsZero() && now.Sub(l.lastGesture) < 2*l.gestureInterval {
			return false, "gesture on cooldown for high intensity"
		}
		if l.highCount >= l.maxHigh {
			return false, "high intensity session limit reached"
		}
		return true, ""
	}
	return false, "unknown intensity"
}

// Record notes that an expression ran. hadGesture marks whether a gesture
// actually played, which is what arms the gesture cooldown.
func (l *ExpressionRateLimiter) Record(intensity string, hadGesture bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.lastExpression = now
	if hadGesture {
		l.lastGesture = now
	}
	switch intensity {
	case IntensityMedium:
		l.mediumCount++
	case IntensityHigh:
		l.highCount++
	}
}

// ResetSession clears the per-session caps. Cooldowns are left armed.
func (l *ExpressionRateLimiter) ResetSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mediumCount = 0
	l.highCount = 0
}
