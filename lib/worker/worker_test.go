package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogicRunsJobsInOrder(t *testing.T) {
	logic := NewLogic()
	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		logic.Queue(func() { got = append(got, i) })
	}
	logic.Queue(func() { close(done) })
	<-done
	logic.Stop()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLogicQueueAfterStop(t *testing.T) {
	logic := NewLogic()
	logic.Stop()
	assert.False(t, logic.Queue(func() {}))
}

func TestCallLaterFires(t *testing.T) {
	logic := NewLogic()
	defer logic.Stop()
	fired := make(chan struct{})
	logic.CallLater(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestStoppedTimerNeverFires(t *testing.T) {
	logic := NewLogic()
	defer logic.Stop()
	var fired atomic.Bool
	timer := logic.CallLater(20*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTimerAfterLogicStopDropped(t *testing.T) {
	logic := NewLogic()
	var fired atomic.Bool
	logic.CallLater(20*time.Millisecond, func() { fired.Store(true) })
	logic.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestPoolRunsJobs(t *testing.T) {
	pool := NewPool(4, "test")
	var count atomic.Int32
	done := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		pool.Queue(func() {
			count.Add(1)
			done <- struct{}{}
		})
	}
	for i := 0; i < 64; i++ {
		<-done
	}
	pool.Stop()
	assert.Equal(t, int32(64), count.Load())
}

func TestPoolQueueAfterStop(t *testing.T) {
	pool := NewDisk()
	pool.Stop()
	assert.False(t, pool.Queue(func() {}))
}
