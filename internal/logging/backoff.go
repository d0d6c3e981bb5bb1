package logging

import "time"

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

func ConstantBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// LinearBackoff waits attempt*step.
func LinearBackoff(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * step
	}
}

// ExponentialBackoff doubles base for every attempt and caps the result at ceiling.
// A non-positive ceiling disables the cap.
func ExponentialBackoff(base, ceiling time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d := base << shift
		if ceiling > 0 && (d > ceiling || d <= 0) {
			return ceiling
		}
		return d
	}
}
