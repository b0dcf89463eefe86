package domain

import "sync/atomic"

// CancelToken is the cooperative cancellation flag handed into the optimizer.
// The optimizer polls it before committing to another sample batch, so
// cancellation may take up to one iteration's evaluation time to observe.
type CancelToken struct {
	flag atomic.Bool
}

func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel requests cooperative cancellation. Safe to call from any goroutine
// and idempotent.
func (t *CancelToken) Cancel() {
	t.flag.Store(true)
}

// Cancelled reports whether cancellation has been requested.
func (t *CancelToken) Cancelled() bool {
	return t.flag.Load()
}
