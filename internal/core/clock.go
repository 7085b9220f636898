package core

import "time"

// Clock supplies the engine's notion of now. Only whole seconds are used.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
