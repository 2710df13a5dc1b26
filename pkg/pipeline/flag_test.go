package pipeline

import (
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlag(t *testing.T) {
	f := NewFlag()
	assert.True(t, f.Running())

	select {
	case <-f.Done():
		t.Fatal("Done closed before Stop")
	default:
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Stop()
		}()
	}
	wg.Wait()

	assert.False(t, f.Running())
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
}

func TestStartDeadline(t *testing.T) {
	f := NewFlag()
	expired := make(chan struct{})
	join := StartDeadline(f, 10*time.Millisecond, func() { close(expired) })

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	join()
	join()
	assert.False(t, f.Running())
}

func TestStartDeadline_Cancelled(t *testing.T) {
	f := NewFlag()
	join := StartDeadline(f, time.Hour, func() { t.Error("deadline fired") })
	join()
	assert.True(t, f.Running())
}

func TestStartDeadline_Disabled(t *testing.T) {
	f := NewFlag()
	join := StartDeadline(f, 0, nil)
	join()
	assert.True(t, f.Running())
}

func TestStartDeadline_ReturnsWhenFlagStops(t *testing.T) {
	f := NewFlag()
	join := StartDeadline(f, time.Hour, func() { t.Error("deadline fired") })
	f.Stop()

	done := make(chan struct{})
	go func() {
		join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("join blocked")
	}
}

func TestOnInterrupt(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("interrupt cannot be sent to self on windows")
	}

	f := NewFlag()
	calls := make(chan os.Signal, 2)
	cancel := OnInterrupt(func(sig os.Signal) {
		calls <- sig
		f.Stop()
	})
	defer cancel()

	p, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, p.Signal(os.Interrupt))

	select {
	case sig := <-calls:
		assert.Equal(t, os.Interrupt, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt handler not called")
	}
	assert.False(t, f.Running())
}

func TestOnInterrupt_Cancel(t *testing.T) {
	cancel := OnInterrupt(func(os.Signal) { t.Error("handler called") })
	cancel()
	cancel()
}
