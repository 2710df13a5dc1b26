package pipeline

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/itohio/gopmd/pkg/acquire"
)

// Flag is the run state shared by the producer, the interrupt handler and
// the deadline timer. Any of them may stop it; nothing restarts it.
type Flag struct {
	stopped atomic.Bool
	once    sync.Once
	done    chan struct{}
}

var _ acquire.RunState = (*Flag)(nil)

// NewFlag returns a flag in the running state.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Running reports whether the run should continue.
func (f *Flag) Running() bool {
	return !f.stopped.Load()
}

// Stop clears the flag. It is safe to call from any goroutine, any number
// of times.
func (f *Flag) Stop() {
	f.stopped.Store(true)
	f.once.Do(func() { close(f.done) })
}

// Done is closed once the flag is stopped.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}

// OnInterrupt calls fn on the first SIGINT or SIGTERM, at most once. The
// returned function unregisters the handler.
func OnInterrupt(fn func(os.Signal)) (cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			fn(sig)
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
		})
	}
}

// StartDeadline stops f after d. The returned function cancels the timer
// and waits for its goroutine to exit. A non-positive d starts nothing.
func StartDeadline(f *Flag, d time.Duration, onExpire func()) (join func()) {
	if d <= 0 {
		return func() {}
	}

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			if onExpire != nil {
				onExpire()
			}
			f.Stop()
		case <-quit:
		case <-f.Done():
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
		})
	}
}
