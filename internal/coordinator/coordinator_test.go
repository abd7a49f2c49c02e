package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_SerializesSameTicker(t *testing.T) {
	c := New(Options{})
	var inFlight, maxInFlight int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		op := OpFit
		if i%2 == 0 {
			op = OpSubmit
		}
		go func(op Op) {
			defer wg.Done()
			err := c.Do(context.Background(), "abc", op, func(ctx context.Context, lease *Lease) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}(op)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)
	assert.Equal(t, StateIdle, c.State("ABC"))
}

func TestCoordinator_IndependentTickersRunInParallel(t *testing.T) {
	c := New(Options{Policy: PolicyReject})
	bothIn := make(chan struct{})
	var arrived int32

	run := func(ticker string) error {
		return c.Do(context.Background(), ticker, OpFit, func(ctx context.Context, lease *Lease) error {
			if atomic.AddInt32(&arrived, 1) == 2 {
				close(bothIn)
			}
			select {
			case <-bothIn:
				return nil
			case <-time.After(time.Second):
				return errors.New("tickers did not overlap")
			}
		})
	}

	var wg sync.WaitGroup
	for _, ticker := range []string{"AAA", "BBB"} {
		wg.Add(1)
		go func(ticker string) {
			defer wg.Done()
			assert.NoError(t, run(ticker))
		}(ticker)
	}
	wg.Wait()
}

func TestCoordinator_RejectPolicy(t *testing.T) {
	var rejected int32
	c := New(Options{Policy: PolicyReject, OnBusy: func(op Op, ticker string) {
		atomic.AddInt32(&rejected, 1)
		assert.Equal(t, "ABC", ticker)
	}})

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), "ABC", OpFit, func(ctx context.Context, lease *Lease) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	assert.Equal(t, StateFitting, c.State("abc"))
	err := c.Do(context.Background(), "ABC", OpSubmit, func(context.Context, *Lease) error {
		t.Error("must not run while the fit holds the slot")
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rejected))

	close(release)
	require.Eventually(t, func() bool {
		return c.Do(context.Background(), "ABC", OpSubmit, func(context.Context, *Lease) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_QueueRunsInArrivalOrder(t *testing.T) {
	c := New(Options{Policy: PolicyQueue})
	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = c.Do(context.Background(), "ABC", OpFit, func(context.Context, *Lease) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := c.Do(context.Background(), "ABC", OpFit, func(context.Context, *Lease) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCoordinator_QueuedCallerGivesUp(t *testing.T) {
	c := New(Options{Policy: PolicyQueue})
	release := make(chan struct{})
	holding := make(chan struct{})
	defer close(release)

	go func() {
		_ = c.Do(context.Background(), "ABC", OpFit, func(context.Context, *Lease) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Do(ctx, "ABC", OpFit, func(context.Context, *Lease) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_UnresponsiveOperationReleasesSlot(t *testing.T) {
	c := New(Options{FitTimeout: 30 * time.Millisecond})
	stuck := make(chan struct{})
	lateCommit := make(chan error, 1)

	err := c.Do(context.Background(), "ABC", OpFit, func(ctx context.Context, lease *Lease) error {
		go func() {
			<-stuck
			lateCommit <- lease.Commit(func() error { return nil })
		}()
		<-stuck // ignores ctx entirely
		return nil
	})
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the ticker is usable again
	committed := false
	err = c.Do(context.Background(), "ABC", OpFit, func(ctx context.Context, lease *Lease) error {
		return lease.Commit(func() error {
			committed = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, committed)

	// the abandoned operation wakes up and can no longer publish
	close(stuck)
	assert.ErrorIs(t, <-lateCommit, ErrAbandoned)
}

func TestCoordinator_CallerCancellationAbandons(t *testing.T) {
	c := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := c.Do(ctx, "ABC", OpSubmit, func(opCtx context.Context, lease *Lease) error {
		close(started)
		<-opCtx.Done()
		time.Sleep(10 * time.Millisecond)
		return lease.Commit(func() error { return nil })
	})
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, StateIdle, c.State("ABC"))
}

func TestCoordinator_PropagatesOperationError(t *testing.T) {
	c := New(Options{})
	boom := errors.New("fit failed")
	err := c.Do(context.Background(), "ABC", OpFit, func(context.Context, *Lease) error { return boom })
	assert.ErrorIs(t, err, boom)

	states := c.States()
	assert.Equal(t, map[string]State{"ABC": StateIdle}, states)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyQueue, p)

	p, err = ParsePolicy("Reject")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)

	_, err = ParsePolicy("drop")
	assert.Error(t, err)
}
