package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/process"
)

func init() {
	manager.RegisterWorker("pool-idle", func(_ context.Context, w *manager.Worker) error {
		_, err := io.Copy(io.Discard, w.Record.Conn())
		return err
	})
}

func TestMain(m *testing.M) {
	manager.Init()
	os.Exit(m.Run())
}

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	c, err := manager.Start(manager.Options{Worker: manager.WorkerSpec{Kind: "pool-idle", Pool: t.Name()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	cfg.Name = t.Name()
	p, err := New(c, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type failingSpawner struct{ calls int }

func (f *failingSpawner) Spawn() (*process.Record, error) {
	f.calls++
	return nil, syscall.EAGAIN
}

func TestAcquireReusesMostRecentlyReleased(t *testing.T) {
	p := newPool(t, Config{})
	require.Equal(t, 3, p.EnsureIdle(3))
	pids := p.Pids()
	require.Len(t, pids, 3)

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pids[2], r.Pid(), "LIFO reuse")
	assert.Equal(t, 1, r.Requests())
	assert.False(t, r.Idle())

	p.Release(r)
	assert.Equal(t, 3, p.IdleCount())

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r.Pid(), again.Pid())
	assert.Equal(t, 2, again.Requests())
	p.Release(again)
}

func TestAcquireSkipsDeadWorkers(t *testing.T) {
	p := newPool(t, Config{})
	require.Equal(t, 2, p.EnsureIdle(2))
	pids := p.Pids()

	victim := pids[1]
	require.NoError(t, syscall.Kill(victim, syscall.SIGKILL))
	require.Eventually(t, func() bool { return !process.Alive(victim) }, 5*time.Second, 10*time.Millisecond)

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pids[0], r.Pid())
	assert.Equal(t, 0, p.IdleCount())
	p.Release(r)
}

func TestRecycleAfterMaxRequests(t *testing.T) {
	p := newPool(t, Config{MaxRequestsPerProc: 2})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	pid := first.Pid()
	p.Release(first)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, pid, second.Pid())
	require.Equal(t, 2, second.Requests())
	p.Release(second)
	assert.Equal(t, 0, p.IdleCount(), "worker at its request limit must not be reinserted")
	assert.Nil(t, second.Conn())

	third, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, pid, third.Pid())
	p.Release(third)
	require.Eventually(t, func() bool { return !process.Alive(pid) }, 5*time.Second, 10*time.Millisecond)
}

func TestIdleBounds(t *testing.T) {
	p := newPool(t, Config{MaxIdleProc: 3})
	assert.Equal(t, 3, p.EnsureIdle(5))
	assert.Equal(t, 3, p.IdleCount())

	var held []*process.Record
	for i := 0; i < 5; i++ {
		r, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		p.Release(r)
		assert.LessOrEqual(t, p.IdleCount(), 3)
	}
	assert.Equal(t, 3, p.IdleCount())
}

func TestSingleOwnership(t *testing.T) {
	p := newPool(t, Config{})
	p.EnsureIdle(2)

	var held []*process.Record
	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		r, err := p.Acquire(context.Background())
		require.NoError(t, err)
		require.False(t, seen[r.Pid()], "pid %d handed out twice", r.Pid())
		seen[r.Pid()] = true
		assert.NotContains(t, p.Pids(), r.Pid())
		held = append(held, r)
	}
	for _, r := range held {
		p.Release(r)
	}
	assert.Len(t, p.Pids(), 4)
	assert.Panics(t, func() { p.Release(held[0]) }, "releasing a record already in the idle set")
	assert.Equal(t, 4, p.IdleCount())
}

func TestReapEvictsHalfOfExpired(t *testing.T) {
	p := newPool(t, Config{IdleTimeout: time.Hour, ReapInterval: time.Hour})
	require.Equal(t, 4, p.EnsureIdle(4))
	oldest := p.Pids()[:2]

	later := time.Now().Add(2 * time.Hour)
	assert.Equal(t, 0, p.reap(time.Now()), "nothing expired yet")
	assert.Equal(t, 2, p.reap(later))
	for _, pid := range oldest {
		assert.NotContains(t, p.Pids(), pid, "oldest idle workers go first")
	}
	assert.Equal(t, 1, p.reap(later))
	assert.Equal(t, 1, p.reap(later))
	assert.Equal(t, 0, p.IdleCount())
}

func TestSpawnFailureLeavesPoolUntouched(t *testing.T) {
	fs := &failingSpawner{}
	p, err := New(fs, Config{Name: "failing"})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrSpawn)
	assert.True(t, errors.Is(err, syscall.EAGAIN))
	assert.Equal(t, 0, p.IdleCount())

	assert.Equal(t, 0, p.EnsureIdle(3))
	assert.Equal(t, 2, fs.calls, "EnsureIdle stops at the first failure")
}

func TestWaitIdleWakesOnRelease(t *testing.T) {
	p := newPool(t, Config{})
	r, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.WaitIdle(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.WaitIdle(context.Background()) }()
	p.Release(r)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not wake")
	}
}

func TestCloseDestroysIdleWorkers(t *testing.T) {
	p := newPool(t, Config{})
	p.EnsureIdle(2)
	pids := p.Pids()
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.IdleCount())
	for _, pid := range pids {
		if pid == held.Pid() {
			continue
		}
		require.Eventually(t, func() bool { return !process.Alive(pid) }, 5*time.Second, 10*time.Millisecond)
	}

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	p.Release(held)
	assert.Nil(t, held.Conn(), "released after close is destroyed")
}
