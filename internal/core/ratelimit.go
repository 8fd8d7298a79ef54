package core

import "time"

// RateLimitState is the request count of one fixed window.
type RateLimitState struct {
	RequestCount int
	WindowStart  time.Time
}
