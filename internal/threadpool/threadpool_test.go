package threadpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchRunsAndCountsBusy(t *testing.T) {
	release := make(chan struct{})
	var fulls atomic.Int32
	p := New(3, func() { fulls.Add(1) })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Dispatch(ctx, func() { <-release }))
	}
	require.Equal(t, 2, p.Busy())
	require.Zero(t, fulls.Load())

	require.NoError(t, p.Dispatch(ctx, func() { <-release }))
	require.EqualValues(t, 1, fulls.Load(), "full callback fires when every slot is busy")

	// No slot left: WaitForIdler blocks until one handler returns.
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.WaitForIdler(wctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.WaitForIdler(ctx))
	p.Close()
	require.Zero(t, p.Busy())
}

func TestCloseRejects(t *testing.T) {
	p := New(0, nil)
	require.Equal(t, DefaultSize, p.Size())
	p.Close()
	require.ErrorIs(t, p.Dispatch(context.Background(), func() {}), ErrClosed)
	require.ErrorIs(t, p.WaitForIdler(context.Background()), ErrClosed)
}
