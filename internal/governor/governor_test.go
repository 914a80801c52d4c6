package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdscrape/internal/download"
)

func TestNewRejectsBadCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Global: 0, PerOrigin: 1})
	require.Error(t, err)
	assert.True(t, download.IsProgrammingError(err))

	_, err = New(Config{Global: 2, PerOrigin: 0})
	require.Error(t, err)
	assert.True(t, download.IsProgrammingError(err))
}

func TestPerOriginClampedToGlobal(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 2, PerOrigin: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, g.PerOrigin())
	assert.Equal(t, 2, g.Global())
}

func TestAcquireRespectsCapacities(t *testing.T) {
	t.Parallel()

	const (
		global    = 3
		perOrigin = 2
	)
	g, err := New(Config{Global: global, PerOrigin: perOrigin})
	require.NoError(t, err)

	origins := []download.Origin{"https://a", "https://b", "https://c"}
	var (
		mu        sync.Mutex
		peakTotal int
		peak      = map[download.Origin]int{}
		current   = map[download.Origin]int{}
		total     int
		wg        sync.WaitGroup
	)
	for i := range 60 {
		origin := origins[i%len(origins)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := g.Acquire(context.Background(), origin)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			current[origin]++
			total++
			peak[origin] = max(peak[origin], current[origin])
			peakTotal = max(peakTotal, total)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current[origin]--
			total--
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peakTotal, global)
	for _, origin := range origins {
		assert.LessOrEqual(t, peak[origin], perOrigin, "origin %s", origin)
	}
	assert.Equal(t, 0, g.TotalInFlight())
}

func TestLazyPoolCreationUnderContention(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 4, PerOrigin: 1})
	require.NoError(t, err)

	const distinct = 17
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := range 400 {
		origin := download.Origin(fmt.Sprintf("https://host-%d", i%distinct))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lease, err := g.Acquire(context.Background(), origin)
			if assert.NoError(t, err) {
				lease.Release()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, distinct, g.Pools())
	count := 0
	g.pools.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, distinct, count)
}

func TestAcquireCancelledWhileWaitingForOrigin(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 2, PerOrigin: 1})
	require.NoError(t, err)

	held, err := g.Acquire(context.Background(), "https://a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "https://a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The global permit taken before the origin wait must have been returned.
	other, err := g.Acquire(context.Background(), "https://b")
	require.NoError(t, err)
	assert.Equal(t, 2, g.TotalInFlight())
	other.Release()
	held.Release()
	assert.Equal(t, 0, g.TotalInFlight())
}

func TestAcquireCancelledWhileWaitingForGlobal(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 1, PerOrigin: 1})
	require.NoError(t, err)

	held, err := g.Acquire(context.Background(), "https://a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, "https://b")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by cancellation")
	}
	assert.Equal(t, 0, g.InFlight("https://b"))
	held.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 1, PerOrigin: 1})
	require.NoError(t, err)

	lease, err := g.Acquire(context.Background(), "https://a")
	require.NoError(t, err)
	lease.Release()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		pe, ok := r.(*download.ProgrammingError)
		require.True(t, ok)
		assert.Equal(t, "lease.Release", pe.Op)
	}()
	lease.Release()
}

type countingObserver struct {
	acquired  atomic.Int64
	released  atomic.Int64
	cooldowns atomic.Int64
}

func (o *countingObserver) ObservePermitWait(string, time.Duration) {}
func (o *countingObserver) LeaseAcquired(string)                    { o.acquired.Add(1) }
func (o *countingObserver) LeaseReleased(string)                    { o.released.Add(1) }
func (o *countingObserver) ObserveCooldown(string, time.Duration)   { o.cooldowns.Add(1) }

func TestCooldownDelaysAcquire(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	g, err := New(Config{Global: 2, PerOrigin: 2}, WithObserver(obs))
	require.NoError(t, err)

	g.Cooldown("https://a", 50*time.Millisecond)
	g.Cooldown("https://a", 10*time.Millisecond) // shorter cooldown keeps the later deadline

	start := time.Now()
	lease, err := g.Acquire(context.Background(), "https://a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	lease.Release()

	// Other origins are unaffected.
	start = time.Now()
	lease, err = g.Acquire(context.Background(), "https://b")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
	lease.Release()

	assert.Equal(t, int64(2), obs.acquired.Load())
	assert.Equal(t, int64(2), obs.released.Load())
	assert.Equal(t, int64(1), obs.cooldowns.Load())
}

func TestCooldownWaitIsCancellable(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 1, PerOrigin: 1})
	require.NoError(t, err)
	g.Cooldown("https://a", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "https://a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.TotalInFlight())
}

func TestOriginPacing(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Global: 4, PerOrigin: 4, OriginRPS: 20, OriginBurst: 1})
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		lease, err := g.Acquire(context.Background(), "https://a")
		require.NoError(t, err)
		lease.Release()
	}
	// Three starts at 20 rps with burst 1 need at least two 50ms intervals.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
