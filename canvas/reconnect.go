package canvas

import (
	"time"
)

// counts the reconnect delay from creation time, so work done between
// creating the `Reconnect` and waiting on `After` is absorbed into the delay
type Reconnect struct {
	endTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		endTime: time.Now().Add(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.endTime.Sub(time.Now())
	if timeout <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(timeout)
}
