package browser_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/copyleftdev/turnstiled/internal/browser"
	"github.com/copyleftdev/turnstiled/internal/browser/browsertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, size int) (*browser.Pool, *browsertest.Driver) {
	t.Helper()
	driver := &browsertest.Driver{}
	pool, err := browser.NewPool(context.Background(), driver, size, zap.NewNop())
	require.NoError(t, err)
	return pool, driver
}

func TestNewPool_LaunchesEveryBrowser(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, driver := newTestPool(t, 3)
	assert.Equal(t, 3, pool.Size())
	assert.Equal(t, 3, pool.Available())
	assert.Len(t, driver.Instances(), 3)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		seen[lease.Index()] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen)
}

func TestNewPool_LaunchFailureClosesStartedBrowsers(t *testing.T) {
	defer goleak.VerifyNone(t)

	driver := &browsertest.Driver{FailLaunch: 2}
	_, err := browser.NewPool(context.Background(), driver, 3, zap.NewNop())
	require.Error(t, err)

	for _, inst := range driver.Instances() {
		assert.True(t, inst.Closed(), "launched browsers must be closed after a failed start")
	}
}

func TestNewPool_RejectsZeroSize(t *testing.T) {
	_, err := browser.NewPool(context.Background(), &browsertest.Driver{}, 0, zap.NewNop())
	assert.Error(t, err)
}

func TestPool_AcquireBlocksUntilRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, _ := newTestPool(t, 1)
	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Available())

	acquired := make(chan *browser.Lease)
	go func() {
		lease, err := pool.Acquire(context.Background())
		if err == nil {
			acquired <- lease
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait while the only slot is leased")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case second := <-acquired:
		assert.Equal(t, first.Index(), second.Index())
		second.Release()
	case <-time.After(time.Second):
		t.Fatal("waiting acquire was not resumed after release")
	}
	assert.Equal(t, 1, pool.Available())
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, _ := newTestPool(t, 1)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Release()
	assert.Equal(t, 2, pool.Available())
}

func TestPool_ConcurrencyNeverExceedsSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	const size = 3
	pool, _ := newTestPool(t, size)

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, size, pool.Available())
}

func TestPool_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, driver := newTestPool(t, 2)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	waiting := make(chan error)
	go func() {
		pool.Acquire(context.Background()) // takes the second slot
		_, err := pool.Acquire(context.Background())
		waiting <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Close(context.Background()))
	assert.ErrorIs(t, <-waiting, browser.ErrPoolClosed)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, browser.ErrPoolClosed)

	lease.Release()
	for _, inst := range driver.Instances() {
		assert.True(t, inst.Closed())
	}
	assert.NoError(t, pool.Close(context.Background()))
}

func TestPool_NoLeaseAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 200; i++ {
		pool, _ := newTestPool(t, 1)
		lease, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		waiting := make(chan error, 1)
		go func() {
			_, err := pool.Acquire(context.Background())
			waiting <- err
		}()

		// Both the freed slot and the closed pool are ready for the waiter.
		require.NoError(t, pool.Close(context.Background()))
		lease.Release()
		require.ErrorIs(t, <-waiting, browser.ErrPoolClosed)
		assert.Equal(t, 1, pool.Available(), "the slot stays in the pool")
	}
}
