package server

import (
	"sync"
	"time"
)

// Interval invokes fn every d until the returned stop function is
// called. Stop is idempotent and safe to call from fn itself or from a
// target cancellation callback.
//
// The common pairing is a recurring emission whose stop handle is
// passed as the cancel callback of the target it feeds, so the ticker
// dies with the element:
//
//	t := ctx.NewTarget()
//	var stop func()
//	stop = server.Interval(time.Second, func() {
//	    d.Emit(sid, t.Render(), time.Now().Format(time.Kitchen), stop)
//	})
func Interval(d time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// Timeout invokes fn once after d unless the returned stop function is
// called first.
func Timeout(d time.Duration, fn func()) (stop func()) {
	timer := time.AfterFunc(d, fn)
	return func() { timer.Stop() }
}
