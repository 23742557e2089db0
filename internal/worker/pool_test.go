package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
)

func TestNewWorkerPoolDefaults(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{})
	defer pool.Stop()

	m := pool.Metrics()
	assert.Equal(t, 4, m.NumWorkers)
	assert.Equal(t, 16, m.QueueCapacity)
	assert.Equal(t, 100.0, m.SuccessRate())
}

func TestWorkerPoolRunsAllJobs(t *testing.T) {
	collector := metrics.NewCollector()
	pool := NewWorkerPool(PoolConfig{NumWorkers: 3, QueueSize: 2, Metrics: collector})
	pool.Start()
	defer pool.Stop()

	ctx := context.Background()
	var count int64
	results := make([]int, 20)

	var chans []<-chan error
	for i := range results {
		i := i
		ch, err := pool.Go(ctx, func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			results[i] = i * i
			return nil
		})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}

	assert.Equal(t, int64(20), atomic.LoadInt64(&count))
	for i, v := range results {
		assert.Equal(t, i*i, v)
	}
	assert.Equal(t, uint64(20), pool.Metrics().JobsProcessed)
}

func TestWorkerPoolSubmitErrors(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1})
	pool.Start()
	defer pool.Stop()

	boom := errors.New("boom")
	err := pool.Submit(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = pool.Submit(context.Background(), func(ctx context.Context) error { panic("bad file") })
	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "bad file")

	m := pool.Metrics()
	assert.Equal(t, uint64(2), m.JobsFailed)
	assert.Equal(t, 0.0, m.SuccessRate())
}

func TestWorkerPoolJobTimeout(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1, JobTimeout: 20 * time.Millisecond})
	pool.Start()
	defer pool.Stop()

	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	assert.ErrorIs(t, err, ErrJobTimeout)
	assert.Equal(t, uint64(1), pool.Metrics().JobsTimeout)
}

func TestWorkerPoolStop(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 2})
	pool.Start()

	started := make(chan struct{})
	var once sync.Once
	ch, err := pool.Go(context.Background(), func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, <-ch, context.Canceled)

	_, err = pool.Go(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPoolStopWhileQueueing(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 2})
	pool.Start()

	accepted := make(chan (<-chan error), 100)
	var wg sync.WaitGroup
	for i := 0; i < cap(accepted); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := pool.Go(context.Background(), func(ctx context.Context) error { return nil })
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolClosed)
				return
			}
			accepted <- ch
		}()
	}

	pool.Stop()
	wg.Wait()
	close(accepted)

	// every accepted job reports, whether it ran or was failed at shutdown
	for ch := range accepted {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("accepted job never reported a result")
		}
	}
}

func TestWorkerPoolCallerCancel(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{NumWorkers: 1})
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Go(ctx, func(ctx context.Context) error { return nil })
	// either queued before noticing cancellation or rejected
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
