package backoff

import (
	"math/rand"
	"time"
)

// Base is the delay ceiling for the first attempt.
const Base = time.Second

// Max caps the delay ceiling for any attempt.
const Max = 60 * time.Second

// maxShift bounds the doubling so the shift cannot overflow.
const maxShift = 6 // Base << 6 exceeds Max

// Ceiling returns the largest delay that Delay may produce for the given
// attempt: Base doubled attempt times, capped at Max.
func Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= maxShift {
		return Max
	}
	d := Base << uint(attempt)
	if d > Max {
		return Max
	}
	return d
}

// Delay returns the backoff duration for the given attempt, drawn uniformly
// from [0, Ceiling(attempt)) so that simultaneous clients spread out.
func Delay(attempt int) time.Duration {
	return delay(attempt, rand.Int63n)
}

func delay(attempt int, intn func(int64) int64) time.Duration {
	return time.Duration(intn(int64(Ceiling(attempt))))
}
