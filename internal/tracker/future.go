package tracker

import (
	"context"
	"sync"
	"time"
)

// ResponseFuture resolves once with the first matching response body. Drivers
// create one per interception and call Resolve from their event listener;
// callers block on Await. The detach hook runs exactly once when the future
// settles so listeners never outlive the wait.
type ResponseFuture struct {
	done       chan struct{}
	resolve    sync.Once
	detachOnce sync.Once
	detach     func()
	body       []byte
	url        string
}

// NewResponseFuture builds a pending future. detach may be nil.
func NewResponseFuture(detach func()) *ResponseFuture {
	return &ResponseFuture{
		done:   make(chan struct{}),
		detach: detach,
	}
}

// Resolve settles the future. Only the first call wins; it reports whether
// this call was the one that settled it.
func (f *ResponseFuture) Resolve(url string, body []byte) bool {
	won := false
	f.resolve.Do(func() {
		f.url = url
		f.body = append([]byte(nil), body...)
		close(f.done)
		won = true
	})
	if won {
		f.Detach()
	}
	return won
}

// Detach releases the driver listener without resolving.
func (f *ResponseFuture) Detach() {
	f.detachOnce.Do(func() {
		if f.detach != nil {
			f.detach()
		}
	})
}

// Await waits up to window for the future to resolve. It returns ok=false with
// a nil error when the window elapses, and the context error if ctx ends first.
func (f *ResponseFuture) Await(ctx context.Context, window time.Duration) (body []byte, url string, ok bool, err error) {
	defer f.Detach()
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.body, f.url, true, nil
	case <-timer.C:
		return nil, "", false, nil
	case <-ctx.Done():
		return nil, "", false, ctx.Err()
	}
}
