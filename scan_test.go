package kevent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_EmptyEvents(t *testing.T) {
	q := newTestQueue(t)
	n, err := q.Wait(context.Background(), nil, Forever)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWait_ContextCanceled(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	n, err := q.Wait(ctx, make([]Kevent, 1), Forever)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestWait_Timeout(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock))

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := q.Wait(context.Background(), make([]Kevent, 1), time.Second)
		assert.NoError(t, err)
		assert.Zero(t, n)
	}()

	require.Eventually(t, func() bool { return clock.pending() == 1 }, 5*time.Second, time.Millisecond)
	clock.Advance(999 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("returned before the timeout")
	case <-time.After(10 * time.Millisecond):
	}
	clock.Advance(time.Millisecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout not honored")
	}
}

func TestWait_LevelTriggered(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))

	require.NoError(t, q.Register(readChange(1, FlagAdd)))
	src.set(true, 5)
	for i := 0; i < 3; i++ {
		events := poll(t, q, 4)
		require.Len(t, events, 1, "still ready, so delivered again")
		assert.Equal(t, int64(5), events[0].Data)
	}

	src.set(false, 0)
	assert.Empty(t, poll(t, q, 4))
	assert.False(t, q.HasReadyEvents())
	requireConsistent(t, q)
}

func TestWait_Clear(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))

	require.NoError(t, q.Register(readChange(1, FlagAdd|FlagClear)))
	src.set(true, 5)
	require.Len(t, poll(t, q, 4), 1)
	assert.Empty(t, poll(t, q, 4), "cleared until the next activation")

	src.set(true, 6)
	events := poll(t, q, 4)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6), events[0].Data)
	requireConsistent(t, q)
}

func TestWait_Dispatch(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))

	require.NoError(t, q.Register(readChange(1, FlagAdd|FlagDispatch)))
	src.set(true, 1)
	require.Len(t, poll(t, q, 4), 1)

	src.set(true, 2)
	assert.Empty(t, poll(t, q, 4), "disabled after dispatch")
	assert.False(t, q.HasReadyEvents())

	require.NoError(t, q.Register(readChange(1, FlagEnable)))
	events := poll(t, q, 4)
	require.Len(t, events, 1, "still ready, so enable re-fires")
	assert.Equal(t, int64(2), events[0].Data)

	src.set(false, 0)
	require.NoError(t, q.Register(readChange(1, FlagEnable)))
	assert.Empty(t, poll(t, q, 4))
	requireConsistent(t, q)
}

func TestWait_OneShot(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))

	require.NoError(t, q.Register(readChange(1, FlagAdd|FlagOneShot)))
	src.set(true, 1)
	require.Len(t, poll(t, q, 4), 1)
	assert.Equal(t, 1, src.detachCount())
	assert.True(t, src.kl.Empty())

	src.set(true, 2)
	assert.Empty(t, poll(t, q, 4))
	require.ErrorIs(t, q.Register(readChange(1, FlagDelete)), ErrNotFound)
}

func TestWait_OrderAndBatching(t *testing.T) {
	files := newTestTable()
	q := newTestQueue(t, WithFileTable(files))

	srcs := make([]*testSource, 5)
	for i := range srcs {
		srcs[i] = newTestSource()
		files.install(i, srcs[i])
		require.NoError(t, q.Register(readChange(uint64(i), FlagAdd|FlagClear)))
	}
	for _, i := range []int{3, 1, 4, 0, 2} {
		srcs[i].set(true, int64(i))
	}

	events := poll(t, q, 2)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Ident)
	assert.Equal(t, uint64(1), events[1].Ident)

	events = poll(t, q, 8)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(4), events[0].Ident)
	assert.Equal(t, uint64(0), events[1].Ident)
	assert.Equal(t, uint64(2), events[2].Ident)
	requireConsistent(t, q)
}

func TestKevent_LargeBatchSpansPasses(t *testing.T) {
	const tag FilterTag = 210
	require.NoError(t, RegisterFilter(tag, &funcFilter{}))
	t.Cleanup(func() { UnregisterFilter(tag) })

	q := newTestQueue(t)
	const n = scanChunk*2 + 7
	for i := 0; i < n; i++ {
		require.NoError(t, q.Register(Kevent{Ident: uint64(i), Filter: tag, Flags: FlagAdd | FlagDispatch}))
		q.mu.Lock()
		q.activate(q.lookup(uint64(i), tag, false))
		q.mu.Unlock()
	}

	events := make([]Kevent, n+10)
	got, err := q.Wait(context.Background(), events, 0)
	require.NoError(t, err)
	require.Equal(t, n, got)
	seen := make(map[uint64]bool)
	for _, ev := range events[:got] {
		assert.False(t, seen[ev.Ident], "duplicate ident %d", ev.Ident)
		seen[ev.Ident] = true
	}
	requireConsistent(t, q)
}

func TestKevent_CloseBetweenPassesKeepsHarvest(t *testing.T) {
	const tag FilterTag = 214
	q, err := New()
	require.NoError(t, err)

	closed := make(chan error, 1)
	harvested := 0
	require.NoError(t, RegisterFilter(tag, &funcFilter{
		process: func(kn *Knote, ev *Kevent) bool {
			if ev == nil {
				return false
			}
			harvested++
			if harvested == scanChunk {
				go func() { closed <- q.Close() }()
				require.Eventually(t, func() bool { return q.State() != StateActive }, 5*time.Second, time.Millisecond)
			}
			kn.Submit(ev)
			return true
		},
	}))
	t.Cleanup(func() { UnregisterFilter(tag) })

	const n = scanChunk + 3
	for i := 0; i < n; i++ {
		require.NoError(t, q.Register(Kevent{Ident: uint64(i), Filter: tag, Flags: FlagAdd | FlagDispatch}))
		q.mu.Lock()
		q.activate(q.lookup(uint64(i), tag, false))
		q.mu.Unlock()
	}

	events := make([]Kevent, n)
	got, err := q.Wait(context.Background(), events, 0)
	require.NoError(t, err)
	assert.Equal(t, scanChunk, got)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	_, err = q.Wait(context.Background(), events, 0)
	require.ErrorIs(t, err, ErrAlreadyDying)
}

func TestKevent_Receipts(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))
	src.set(true, 1)

	changes := []Kevent{
		{Ident: 1, Filter: FilterRead, Flags: FlagAdd | FlagReceipt, Udata: "ok"},
		{Ident: 2, Filter: FilterRead, Flags: FlagAdd, Udata: "bad"},
		{Ident: 3, Filter: FilterAIO, Flags: FlagAdd},
	}
	events := make([]Kevent, 4)
	n, err := q.Kevent(context.Background(), changes, events, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n, "records are returned without harvesting")

	assert.Equal(t, FlagError, events[0].Flags)
	assert.NoError(t, events[0].Err)
	assert.Equal(t, "ok", events[0].Udata)
	assert.ErrorIs(t, events[1].Err, ErrInvalidSource)
	assert.Equal(t, uint64(2), events[1].Ident)
	assert.ErrorIs(t, events[2].Err, ErrInvalidFilter)

	events = poll(t, q, 4)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Ident)
	assert.Zero(t, events[0].Flags&FlagError)
}

func TestKevent_ErrorWithoutRoom(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))

	changes := []Kevent{
		{Ident: 2, Filter: FilterRead, Flags: FlagAdd},
		{Ident: 1, Filter: FilterRead, Flags: FlagAdd},
	}
	n, err := q.Kevent(context.Background(), changes, nil, 0)
	require.ErrorIs(t, err, ErrInvalidSource)
	assert.Zero(t, n)
	var re *RegisterError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, uint64(2), re.Change.Ident)
	require.ErrorIs(t, q.Register(readChange(1, FlagDelete)), ErrNotFound, "changes after the failure are not applied")
}

// Scenario A: a repeating timer, harvested once per period, reports one
// expiry each time.
func TestTimer_RepeatingOncePerPeriod(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock))

	const period = 50 * time.Millisecond
	require.NoError(t, q.Register(Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd, Data: period.Milliseconds()}))
	for i := 0; i < 5; i++ {
		assert.Empty(t, poll(t, q, 4))
		clock.Advance(period)
		events := poll(t, q, 4)
		require.Len(t, events, 1, "iteration %d", i)
		assert.Equal(t, int64(1), events[0].Data)
		assert.NotZero(t, events[0].Flags&FlagClear)
	}
}

// Scenario B: a one-shot timer fires once, then the queue stays empty.
func TestTimer_OneShotThenEmpty(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, WithClock(clock))

	const period = 20 * time.Millisecond
	require.NoError(t, q.Register(Kevent{Ident: 1, Filter: FilterTimer, Flags: FlagAdd | FlagOneShot, Data: period.Milliseconds()}))

	type result struct {
		err error
		n   int
	}
	wait := func() chan result {
		ch := make(chan result, 1)
		go func() {
			n, err := q.Wait(context.Background(), make([]Kevent, 4), 2*period)
			ch <- result{err, n}
		}()
		return ch
	}

	ch := wait()
	// the timer, and the wait timeout
	require.Eventually(t, func() bool { return clock.pending() == 2 }, 5*time.Second, time.Millisecond)
	clock.Advance(period)
	r := <-ch
	require.NoError(t, r.err)
	require.Equal(t, 1, r.n)
	assert.Zero(t, q.Metrics().Knotes)

	ch = wait()
	require.Eventually(t, func() bool { return clock.pending() == 1 }, 5*time.Second, time.Millisecond)
	clock.Advance(2 * period)
	r = <-ch
	require.NoError(t, r.err)
	assert.Zero(t, r.n)
}

// Scenario C: concurrent waiters split the events between them, with no
// duplicates or omissions.
func TestWait_ConcurrentWaitersPartition(t *testing.T) {
	files := newTestTable()
	q := newTestQueue(t, WithFileTable(files))

	const sources = 5
	srcs := make([]*testSource, sources)
	for i := range srcs {
		srcs[i] = newTestSource()
		files.install(i, srcs[i])
		require.NoError(t, q.Register(readChange(uint64(i), FlagAdd|FlagOneShot)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		seen  = make(map[uint64]int)
		total atomic.Int32
		wg    sync.WaitGroup
	)
	wg.Add(2)
	for w := 0; w < 2; w++ {
		go func() {
			defer wg.Done()
			events := make([]Kevent, sources)
			for {
				n, err := q.Wait(ctx, events, Forever)
				if err != nil {
					return
				}
				mu.Lock()
				for _, ev := range events[:n] {
					seen[ev.Ident]++
				}
				mu.Unlock()
				if total.Add(int32(n)) >= sources {
					cancel()
					return
				}
			}
		}()
	}

	for _, src := range srcs {
		src.set(true, 1)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("waiters did not finish")
	}

	require.Len(t, seen, sources)
	for ident, n := range seen {
		assert.Equal(t, 1, n, "ident %d", ident)
	}
	requireConsistent(t, q)
}

// Scenario D: the source goes away before any wait.
func TestWait_SourceClosedBeforeWait(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))

	require.NoError(t, q.Register(readChange(1, FlagAdd)))
	src.kl.Invalidate()

	events := poll(t, q, 4)
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].Flags&FlagEOF)
	assert.Empty(t, poll(t, q, 4))
	require.ErrorIs(t, q.Register(readChange(1, FlagDelete)), ErrNotFound)
}

// Scenario E: close waits for a harvest in progress.
func TestClose_WaitsForHarvest(t *testing.T) {
	const tag FilterTag = 211
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	require.NoError(t, RegisterFilter(tag, &funcFilter{
		process: func(kn *Knote, ev *Kevent) bool {
			if ev == nil {
				return true
			}
			once.Do(func() {
				close(entered)
				<-unblock
			})
			kn.Submit(ev)
			return true
		},
	}))
	t.Cleanup(func() { UnregisterFilter(tag) })

	q, err := New()
	require.NoError(t, err)
	require.NoError(t, q.Register(Kevent{Ident: 1, Filter: tag, Flags: FlagAdd}))

	waitDone := make(chan int, 1)
	go func() {
		n, err := q.Wait(context.Background(), make([]Kevent, 1), Forever)
		assert.NoError(t, err)
		waitDone <- n
	}()
	<-entered

	closeDone := make(chan error, 1)
	go func() { closeDone <- q.Close() }()
	select {
	case <-closeDone:
		t.Fatal("close returned during a harvest")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close deadlocked")
	}
	assert.Equal(t, 1, <-waitDone)

	select {
	case <-q.Released():
	case <-time.After(5 * time.Second):
		t.Fatal("queue not released")
	}
}

func TestWait_NoLostWakeups(t *testing.T) {
	src := newTestSource()
	files := newTestTable()
	files.install(1, src)
	q := newTestQueue(t, WithFileTable(files))
	require.NoError(t, q.Register(readChange(1, FlagAdd|FlagClear)))

	for i := 0; i < 200; i++ {
		got := make(chan int, 1)
		go func() {
			n, err := q.Wait(context.Background(), make([]Kevent, 1), Forever)
			assert.NoError(t, err)
			got <- n
		}()
		if i%2 == 0 {
			// sometimes before, sometimes after the waiter blocks
			time.Sleep(time.Microsecond)
		}
		src.set(true, int64(i))
		select {
		case n := <-got:
			require.Equal(t, 1, n)
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: wakeup lost", i)
		}
	}
	requireConsistent(t, q)
}

func TestWait_OneShotExactlyOnce(t *testing.T) {
	files := newTestTable()
	q := newTestQueue(t, WithFileTable(files))

	const sources = 32
	srcs := make([]*testSource, sources)
	for i := range srcs {
		srcs[i] = newTestSource()
		files.install(i, srcs[i])
		require.NoError(t, q.Register(readChange(uint64(i), FlagAdd|FlagOneShot)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		counts [sources]atomic.Int32
		total  atomic.Int32
		wg     sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := make([]Kevent, 3)
			for {
				n, err := q.Wait(ctx, events, Forever)
				if err != nil {
					return
				}
				for _, ev := range events[:n] {
					counts[ev.Ident].Add(1)
				}
				if total.Add(int32(n)) >= sources {
					cancel()
				}
			}
		}()
	}

	// repeated activations race with the harvests
	var activators sync.WaitGroup
	for a := 0; a < 4; a++ {
		activators.Add(1)
		go func() {
			defer activators.Done()
			for i := 0; i < 10; i++ {
				for _, src := range srcs {
					src.set(true, 1)
				}
			}
		}()
	}
	activators.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("waiters did not finish")
	}

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "ident %d", i)
	}
	assert.Zero(t, q.Metrics().Knotes)
	requireConsistent(t, q)
}

func TestWait_ReactivationDuringHarvestDeferred(t *testing.T) {
	const tag FilterTag = 212
	var harvests atomic.Int32
	require.NoError(t, RegisterFilter(tag, &funcFilter{
		process: func(kn *Knote, ev *Kevent) bool {
			if ev == nil {
				return true
			}
			harvests.Add(1)
			kn.Activate()
			kn.Submit(ev)
			return true
		},
	}))
	t.Cleanup(func() { UnregisterFilter(tag) })

	q := newTestQueue(t)
	require.NoError(t, q.Register(Kevent{Ident: 1, Filter: tag, Flags: FlagAdd}))

	for i := 1; i <= 3; i++ {
		events := poll(t, q, 16)
		require.Len(t, events, 1)
		assert.Equal(t, int32(i), harvests.Load())
		assert.True(t, q.HasReadyEvents(), "reactivated for the next scan")
		requireConsistent(t, q)
	}
}

func TestWait_ConcurrentStress(t *testing.T) {
	files := newTestTable()
	q := newTestQueue(t, WithFileTable(files), WithMetrics(true))

	const sources = 16
	srcs := make([]*testSource, sources)
	for i := range srcs {
		srcs[i] = newTestSource()
		files.install(i, srcs[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events := make([]Kevent, 4)
			for ctx.Err() == nil {
				_, _ = q.Wait(ctx, events, time.Millisecond)
			}
		}()
	}
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flags := []Flags{FlagAdd, FlagAdd | FlagClear, FlagAdd | FlagDispatch, FlagAdd | FlagOneShot, FlagDelete, FlagDisable, FlagEnable}
			for i := 0; ctx.Err() == nil; i++ {
				_ = q.Register(readChange(uint64(i%sources), flags[(i+r)%len(flags)]))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			srcs[i%sources].set(i%3 != 0, int64(i))
		}
	}()
	wg.Wait()

	requireConsistent(t, q)
	for i := range srcs {
		_ = q.Register(readChange(uint64(i), FlagDelete))
	}
	assert.Zero(t, q.Metrics().Knotes)
	requireConsistent(t, q)
}
