package async

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSafeGo_Success(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), observability.NopLogger(), time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
}

func TestSafeGo_LogsErrorAndPanic(t *testing.T) {
	out := &syncBuffer{}
	logger := observability.NewLogger(observability.InfoLevel, out)

	SafeGo(context.Background(), logger, time.Second, "failing task", func(ctx context.Context) error {
		return errors.New("boom")
	})
	SafeGo(context.Background(), logger, time.Second, "panicking task", func(ctx context.Context) error {
		panic("kaboom")
	})

	assert.Eventually(t, func() bool {
		s := out.String()
		return bytes.Contains([]byte(s), []byte("failing task")) &&
			bytes.Contains([]byte(s), []byte("kaboom"))
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	result := make(chan error, 1)

	SafeGo(context.Background(), observability.NopLogger(), 50*time.Millisecond, "slow task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			result <- nil
		case <-ctx.Done():
			result <- ctx.Err()
		}
		return nil
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task never finished")
	}
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var executed atomic.Int32

	errs := Batch(context.Background(), items, 2, time.Second, func(ctx context.Context, item int) error {
		executed.Add(1)
		return nil
	})

	assert.Empty(t, errs)
	assert.Equal(t, int32(5), executed.Load())
}

func TestBatch_CollectsEveryError(t *testing.T) {
	items := make([]int, 200)
	for i := range items {
		items[i] = i
	}

	errs := Batch(context.Background(), items, 2, time.Second, func(ctx context.Context, item int) error {
		if item%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	assert.Len(t, errs, 100)
}

func TestBatch_RespectsWorkerLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)

	Batch(context.Background(), items, 3, time.Second, func(ctx context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestBatch_PanicBecomesError(t *testing.T) {
	errs := Batch(context.Background(), []int{1, 2}, 2, time.Second, func(ctx context.Context, item int) error {
		if item == 1 {
			panic("bad item")
		}
		return nil
	})

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrPanic)
}

func TestBatch_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var executed atomic.Int32

	errs := Batch(ctx, []int{1, 2, 3, 4, 5}, 2, time.Second, func(ctx context.Context, item int) error {
		executed.Add(1)
		return nil
	})

	assert.Equal(t, int32(0), executed.Load())
	require.Len(t, errs, 5)
	assert.ErrorIs(t, errs[0], context.Canceled)
}
