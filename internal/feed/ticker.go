package feed

import (
	"sync"
	"time"
)

// Ticker is a cancellable periodic schedule. Cancel may be called any
// number of times.
type Ticker struct {
	t    *time.Ticker
	once sync.Once
	done chan struct{}
}

func NewTicker(interval time.Duration) *Ticker {
	return &Ticker{
		t:    time.NewTicker(interval),
		done: make(chan struct{}),
	}
}

func (t *Ticker) C() <-chan time.Time {
	return t.t.C
}

func (t *Ticker) Cancel() {
	t.once.Do(func() {
		t.t.Stop()
		close(t.done)
	})
}
