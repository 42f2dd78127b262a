package resource

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAccounting(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	ctx := context.Background()

	got, err := c.AcquireMemory(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)
	assert.False(t, c.TryAcquireMemory(50))
	assert.True(t, c.TryAcquireMemory(40))
	assert.Equal(t, int64(100), c.MemoryUsage())

	c.ReleaseMemory(40)
	c.ReleaseMemory(60)
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Equal(t, int64(60), c.PeakMemory())
}

func TestAcquireMemoryClampsOversized(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 10})
	got, err := c.AcquireMemory(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
	c.ReleaseMemory(got)
}

func TestAcquireMemoryBlocksUntilCanceled(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 10})
	_, err := c.AcquireMemory(context.Background(), 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.AcquireMemory(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkers(t *testing.T) {
	c := NewController(Config{MaxWorkers: 1})
	require.NoError(t, c.AcquireWorker(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.AcquireWorker(ctx))

	c.ReleaseWorker()
	require.NoError(t, c.AcquireWorker(context.Background()))
}

func TestNilController(t *testing.T) {
	var c *Controller
	_, err := c.AcquireMemory(context.Background(), 10)
	require.NoError(t, err)
	c.ReleaseMemory(10)
	require.NoError(t, c.AcquireWorker(context.Background()))
	c.ReleaseWorker()
	require.NoError(t, c.AcquireIO(context.Background(), 10))
	assert.Zero(t, c.MemoryUsage())
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	src := bytes.Repeat([]byte("x"), 3<<20/2)

	r := NewRateLimitedReader(context.Background(), bytes.NewReader(src), c)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, out, len(src))
	assert.Equal(t, int64(len(src)), c.IOBytes())
}
