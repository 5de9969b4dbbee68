package delivery

import "time"

// DefaultTiers is the system-wide fallback used when a subscription
// references no retry policy: max_fast_retries short-interval attempts
// followed by max_slow_retries longer-interval attempts.
type DefaultTiers struct {
	MaxFastRetries int
	FastInterval   time.Duration
	MaxSlowRetries int
	SlowInterval   time.Duration
}

// DefaultDefaultTiers mirrors a conservative platform default: a handful of
// fast retries over the first few minutes, then hourly retries for a day.
func DefaultDefaultTiers() DefaultTiers {
	return DefaultTiers{
		MaxFastRetries: 5,
		FastInterval:   30 * time.Second,
		MaxSlowRetries: 24,
		SlowInterval:   time.Hour,
	}
}

const (
	exponentialBase = 5 * time.Second
	exponentialCap  = 10 * time.Hour
)

// ComputeNextRetry is the retry policy engine's sole operation. It is pure:
// it reads only its arguments, never mutable state.
//
// retryCount is the retry_count of the attempt that just failed (0 for the
// first try). Returns the delay before the successor attempt, or nil to
// give up.
func ComputeNextRetry(policy *RetryPolicy, tiers DefaultTiers, retryCount int) *time.Duration {
	if policy != nil {
		return computeFromPolicy(policy, retryCount)
	}
	return computeFromTiers(tiers, retryCount)
}

func computeFromPolicy(policy *RetryPolicy, retryCount int) *time.Duration {
	if retryCount >= policy.MaxAttempts {
		return nil
	}

	switch policy.Strategy {
	case StrategyExponential:
		if d, ok := intervalAt(policy.Intervals, retryCount); ok {
			return durPtr(d)
		}
		d := exponentialBase * time.Duration(1<<uint(retryCount))
		if d > exponentialCap {
			d = exponentialCap
		}
		return durPtr(d)

	case StrategyLinear:
		if len(policy.Intervals) > 0 {
			return durPtr(time.Duration(policy.Intervals[0]) * time.Second)
		}
		return durPtr(300 * time.Second)

	case StrategyCustom:
		if len(policy.Intervals) == 0 {
			return nil
		}
		d, _ := intervalAt(policy.Intervals, retryCount)
		return durPtr(d)

	default:
		return nil
	}
}

// intervalAt returns intervals[i] if in range, else the last element if the
// list is non-empty, else (0, false).
func intervalAt(intervals []int, i int) (time.Duration, bool) {
	if len(intervals) == 0 {
		return 0, false
	}
	if i < len(intervals) {
		return time.Duration(intervals[i]) * time.Second, true
	}
	return time.Duration(intervals[len(intervals)-1]) * time.Second, true
}

func computeFromTiers(t DefaultTiers, retryCount int) *time.Duration {
	if retryCount < t.MaxFastRetries {
		return durPtr(t.FastInterval)
	}
	if retryCount < t.MaxFastRetries+t.MaxSlowRetries {
		return durPtr(t.SlowInterval)
	}
	return nil
}

func durPtr(d time.Duration) *time.Duration { return &d }

// ValidateRetryPolicy enforces the retry policy invariants: intervals in
// [1s, 1week], max attempts in [1, 100].
func ValidateRetryPolicy(p *RetryPolicy) error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 100 {
		return errInvalidMaxAttempts
	}
	for _, s := range p.Intervals {
		if s < 1 || s > 604800 {
			return errInvalidInterval
		}
	}
	return nil
}
