package flux

import (
	"time"
)

const DefaultMinReconnectDelay = 3 * time.Second
const DefaultMaxReconnectDelay = 60 * time.Second

// delay between consecutive failed reconnect attempts.
// starts at `minDelay`, doubles per failure up to `maxDelay`, resets on open.
// not safe for concurrent use. The transport actor owns it.
type ReconnectBackoff struct {
	minDelay time.Duration
	maxDelay time.Duration
	delay    time.Duration
}

func NewReconnectBackoff(minDelay time.Duration, maxDelay time.Duration) *ReconnectBackoff {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &ReconnectBackoff{
		minDelay: minDelay,
		maxDelay: maxDelay,
		delay:    minDelay,
	}
}

func (self *ReconnectBackoff) Delay() time.Duration {
	return self.delay
}

// returns the delay to wait now and doubles the next one
func (self *ReconnectBackoff) Next() time.Duration {
	delay := self.delay
	if self.maxDelay/2 < self.delay {
		self.delay = self.maxDelay
	} else {
		self.delay *= 2
	}
	return delay
}

func (self *ReconnectBackoff) Reset() {
	self.delay = self.minDelay
}
