package stability_test

import (
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/devchar/internal/stability"
	"github.com/stretchr/testify/assert"
)

func TestTimeoutFiresOnce(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	to := stability.StartTimeout(20*time.Millisecond, func() {
		calls.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	assert.True(t, to.Fired())
	assert.False(t, to.Cancel(), "cancel after fire must not report success")
	assert.False(t, to.Cancel())
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTimeoutCancelIdempotent(t *testing.T) {
	var calls atomic.Int32
	to := stability.StartTimeout(30*time.Millisecond, func() { calls.Add(1) })

	assert.True(t, to.Cancel())
	assert.False(t, to.Cancel())
	assert.False(t, to.Cancel())

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.False(t, to.Fired())
}

func TestTimeoutNilCancel(t *testing.T) {
	var to *stability.Timeout
	assert.False(t, to.Cancel())
}
