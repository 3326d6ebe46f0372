package reactor

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(Options{ApiType: ForceReadiness})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestTimerFiresOnce(t *testing.T) {
	l := newTestLoop(t)

	fired := 0
	var timer Timeout
	timer.Callback = func(res *TimeoutResult) {
		fired++
		assert.NoError(t, res.Err())
	}
	require.NoError(t, timer.Start(l, time.Millisecond))
	require.Equal(t, StateSubmitting, timer.State())

	require.NoError(t, l.Run())
	assert.Equal(t, 1, fired)
	assert.Equal(t, StateFree, timer.State())
}

func TestTwoTimersWithReactivation(t *testing.T) {
	l := newTestLoop(t)

	var t1Fired, t2Fired int
	var t1, t2 Timeout
	t1.Callback = func(res *TimeoutResult) {
		t1Fired++
	}
	t2.Callback = func(res *TimeoutResult) {
		t2Fired++
		if t2Fired == 1 {
			res.Request.Relative = time.Millisecond
			res.ReactivateRequest(true)
		}
	}

	require.NoError(t, t1.Start(l, time.Millisecond))
	require.NoError(t, t2.Start(l, 100*time.Millisecond))

	require.NoError(t, l.RunOnce())
	require.NoError(t, l.RunOnce())
	require.NoError(t, l.RunOnce())

	assert.Equal(t, 1, t1Fired)
	assert.Equal(t, 2, t2Fired)
	assert.Equal(t, StateFree, t1.State())
	assert.Equal(t, StateFree, t2.State())
}

func TestTimerTieBreakByInsertionOrder(t *testing.T) {
	l := newTestLoop(t)

	var order []int
	var timers [3]Timeout
	for i := range timers {
		i := i
		timers[i].Callback = func(*TimeoutResult) { order = append(order, i) }
		require.NoError(t, timers[i].Start(l, time.Millisecond))
	}
	// Each Start stamps its own deadline; pin all three to the first one
	// so the deadlines are identical and only insertion order decides.
	for i := range timers {
		timers[i].deadline = timers[0].deadline
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.RunOnce())
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestExternalThreadWake(t *testing.T) {
	l := newTestLoop(t)

	fired := 0
	var w WakeUp
	w.Callback = func(res *WakeUpResult) {
		fired++
		assert.NoError(t, res.Err())
	}
	require.NoError(t, w.Start(l))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.Wake()
		}(i)
	}
	wg.Wait()

	require.NoError(t, l.RunOnce())
	assert.Equal(t, 1, fired)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, StateFree, w.State())
}

func TestWakeUpSignalFiresAfterCallback(t *testing.T) {
	l := newTestLoop(t)

	callbackDone := false
	var w WakeUp
	w.Signal = NewEventSignal()
	w.Callback = func(*WakeUpResult) { callbackDone = true }
	require.NoError(t, w.Start(l))

	signalled := make(chan bool, 1)
	go func() {
		_ = w.Wake()
		signalled <- w.Signal.WaitTimeout(5 * time.Second)
	}()

	require.NoError(t, l.RunOnce())
	assert.True(t, callbackDone)
	assert.True(t, <-signalled)
}

func TestWakeUpReactivation(t *testing.T) {
	l := newTestLoop(t)

	fired := 0
	var w WakeUp
	w.Callback = func(res *WakeUpResult) {
		fired++
		res.ReactivateRequest(fired < 2)
	}
	require.NoError(t, w.Start(l))

	require.NoError(t, w.Wake())
	require.NoError(t, l.RunOnce())
	require.Equal(t, StateActive, w.State())

	require.NoError(t, w.Wake())
	require.NoError(t, l.RunOnce())
	assert.Equal(t, 2, fired)
	assert.Equal(t, StateFree, w.State())
}

func TestWakeUpFromExternalThreadUnblocksPoll(t *testing.T) {
	l := newTestLoop(t)

	var w WakeUp
	gotWake := make(chan struct{})
	w.Callback = func(*WakeUpResult) { close(gotWake) }
	require.NoError(t, w.Start(l))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = w.Wake()
	}()

	// No timers: RunOnce blocks in the backend until the wake arrives.
	start := time.Now()
	require.NoError(t, l.RunOnce())
	select {
	case <-gotWake:
	default:
		t.Fatalf("wake-up not dispatched after %v", time.Since(start))
	}
}

func TestStartStopIsNetNoOp(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	var timer Timeout
	timer.Callback = func(*TimeoutResult) { fired = true }

	require.NoError(t, timer.Start(l, time.Millisecond))
	require.NoError(t, timer.Stop())
	assert.Equal(t, StateFree, timer.State())

	require.NoError(t, l.RunNoWait())
	assert.False(t, fired)

	// Stopping an already-free request is a state error.
	assert.ErrorIs(t, timer.Stop(), ErrInvalidState)
}

func TestStopActiveTimer(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	var timer Timeout
	timer.Callback = func(*TimeoutResult) { fired = true }
	require.NoError(t, timer.Start(l, time.Millisecond))

	// Stage it without letting the deadline pass.
	require.NoError(t, l.RunNoWait())
	require.Equal(t, StateActive, timer.State())

	require.NoError(t, timer.Stop())
	assert.Equal(t, StateFree, timer.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, l.RunNoWait())
	assert.False(t, fired)
}

func TestStartOnNonFreeRequestFails(t *testing.T) {
	l := newTestLoop(t)

	var timer Timeout
	require.NoError(t, timer.Start(l, time.Hour))
	assert.ErrorIs(t, timer.Start(l, time.Hour), ErrInvalidState)
	require.NoError(t, timer.Stop())
}

func TestStartAfterCloseFails(t *testing.T) {
	l, err := New(Options{ApiType: ForceReadiness})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	var timer Timeout
	assert.ErrorIs(t, timer.Start(l, time.Millisecond), ErrNotInitialized)
	assert.ErrorIs(t, l.Run(), ErrNotInitialized)
	assert.ErrorIs(t, l.RunOnce(), ErrNotInitialized)
}

func TestCreateCloseCreateClose(t *testing.T) {
	var l Loop
	require.NoError(t, l.Create(Options{ApiType: ForceReadiness}))
	require.ErrorIs(t, l.Create(Options{}), ErrInvalidState)
	require.NoError(t, l.Close())
	require.NoError(t, l.Create(Options{ApiType: ForceReadiness}))
	require.NoError(t, l.Close())
	// Close on an uninitialized loop is a no-op.
	require.NoError(t, l.Close())
}

func TestCloseDuringSubmitFreesEverything(t *testing.T) {
	var l Loop
	require.NoError(t, l.Create(Options{ApiType: ForceReadiness}))

	var timers [4]Timeout
	var wakeUps [2]WakeUp
	fired := 0
	for i := range timers {
		timers[i].Callback = func(*TimeoutResult) { fired++ }
		require.NoError(t, timers[i].Start(&l, time.Millisecond))
	}
	for i := range wakeUps {
		wakeUps[i].Callback = func(*WakeUpResult) { fired++ }
		require.NoError(t, wakeUps[i].Start(&l))
	}

	require.NoError(t, l.Close())
	assert.Equal(t, 0, fired, "close must not invoke callbacks")
	for i := range timers {
		assert.Equal(t, StateFree, timers[i].State())
	}
	for i := range wakeUps {
		assert.Equal(t, StateFree, wakeUps[i].State())
	}

	// The same request objects restart cleanly on a recreated loop.
	require.NoError(t, l.Create(Options{ApiType: ForceReadiness}))
	for i := range timers {
		require.NoError(t, timers[i].Start(&l, time.Millisecond))
	}
	for i := range wakeUps {
		require.NoError(t, wakeUps[i].Start(&l))
	}
	require.NoError(t, l.Close())
}

func TestWorkRunsOffThreadCallbackOnLoop(t *testing.T) {
	l := newTestLoop(t)

	workRan := make(chan struct{})
	callbackRan := false
	var w Work
	w.Work = func() error {
		close(workRan)
		return nil
	}
	w.Callback = func(res *WorkResult) {
		callbackRan = true
		assert.NoError(t, res.Err())
	}
	require.NoError(t, w.Start(l))

	select {
	case <-workRan:
	case <-time.After(5 * time.Second):
		t.Fatal("work function never ran")
	}
	require.NoError(t, l.Run())
	assert.True(t, callbackRan)
	assert.Equal(t, StateFree, w.State())
}

func TestWorkErrorReachesCallback(t *testing.T) {
	l := newTestLoop(t)

	var w Work
	w.Work = func() error { return ErrTimeout }
	var got error
	w.Callback = func(res *WorkResult) { got = res.Err() }
	require.NoError(t, w.Start(l))
	require.NoError(t, l.Run())
	assert.ErrorIs(t, got, ErrTimeout)
}

func TestStoppedWorkSuppressesCallback(t *testing.T) {
	l := newTestLoop(t)

	release := make(chan struct{})
	var w Work
	w.Work = func() error {
		<-release
		return nil
	}
	called := false
	w.Callback = func(*WorkResult) { called = true }
	require.NoError(t, w.Start(l))

	require.NoError(t, w.Stop())
	close(release)
	require.NoError(t, l.Run())
	assert.False(t, called)
	assert.Equal(t, StateFree, w.State())
}

func TestWorkStartFromExternalThread(t *testing.T) {
	l := newTestLoop(t)

	done := 0
	var works [4]Work
	var wg sync.WaitGroup
	for i := range works {
		works[i].Work = func() error { return nil }
		works[i].Callback = func(*WorkResult) { done++ }
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, works[i].Start(l))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Run())
	assert.Equal(t, 4, done)
}

func TestProcessExitReportsStatus(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())

	l := newTestLoop(t)

	var status = -1
	var p ProcessExit
	p.Callback = func(res *ProcessExitResult) {
		require.NoError(t, res.Err())
		status = res.ExitStatus
	}
	require.NoError(t, p.Start(l, cmd.Process.Pid))
	require.NoError(t, l.Run())
	assert.Equal(t, 7, status)
	// The loop's wait already reaped the child; release os/exec state.
	_ = cmd.Process.Release()
}

func TestInvalidArguments(t *testing.T) {
	l := newTestLoop(t)

	var w Work
	assert.ErrorIs(t, w.Start(l), ErrInvalidArgument)

	var p ProcessExit
	assert.ErrorIs(t, p.Start(l, 0), ErrInvalidArgument)

	var send SocketSend
	assert.ErrorIs(t, send.Start(l, InvalidHandle, nil), ErrInvalidArgument)

	var recv SocketReceive
	assert.ErrorIs(t, recv.Start(l, InvalidHandle, nil), ErrInvalidArgument)

	var fr FileRead
	assert.ErrorIs(t, fr.Start(l, InvalidHandle, nil), ErrInvalidArgument)
}

func TestDebugName(t *testing.T) {
	var timer Timeout
	timer.SetDebugName("frame-pacer")
	assert.Equal(t, "frame-pacer", timer.req.name)
}
