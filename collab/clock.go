package collab

import (
	"time"
)

// Clock is the time source for calendar derived state such as session keys.
type Clock interface {
	Now() time.Time
}

func RealClock() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// a clock that always reads `t`
func FixedClock(t time.Time) Clock {
	return fixedClock{t: t}
}

type fixedClock struct {
	t time.Time
}

func (self fixedClock) Now() time.Time {
	return self.t
}
