package adapter

import "time"

// Clock supplies the engine's notion of now for all due-date comparisons.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
