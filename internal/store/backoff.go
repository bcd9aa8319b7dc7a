package store

import (
	"math"
	"time"
)

// maxDoublings is the largest exponent whose delay fits in a time.Duration
const maxDoublings = 33

// Delay returns 2^failures * 1000ms. There is no ceiling; values beyond what
// a time.Duration can hold saturate.
func Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > maxDoublings {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(1<<uint(failures)) * time.Second
}

// Policy is the reconnect policy of one channel
type Policy struct {
	// MaxFailures is the number of consecutive failures tolerated before the
	// store forces a hard stop. Zero means unbounded.
	MaxFailures int
}

// next returns the delay for the given consecutive failure count. The first
// failure reconnects immediately.
func (p Policy) next(failures int) time.Duration {
	if failures <= 1 {
		return 0
	}
	return Delay(failures)
}

// exhausted reports whether failures exceeds the policy's tolerance
func (p Policy) exhausted(failures int) bool {
	return p.MaxFailures > 0 && failures > p.MaxFailures
}

// Timer is a scheduled callback that can be cancelled
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
