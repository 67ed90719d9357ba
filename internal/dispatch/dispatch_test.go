package dispatch

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loykin/prefork/internal/lock"
	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/process"
	"github.com/loykin/prefork/internal/service"
)

func init() {
	service.RegisterInet("dispatch-pid", service.InetFunc(func(c net.Conn) {
		_, _ = io.WriteString(c, strconv.Itoa(os.Getpid())+"\n")
	}))
	service.RegisterInet("dispatch-slow", service.InetFunc(func(c net.Conn) {
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(c, strconv.Itoa(os.Getpid())+"\n")
	}))
	// dispatch-crash kills its worker when the client sends "die".
	service.RegisterInet("dispatch-crash", service.InetFunc(func(c net.Conn) {
		line, _ := bufio.NewReader(c).ReadString('\n')
		if strings.TrimSpace(line) == "die" {
			os.Exit(2)
		}
		_, _ = io.WriteString(c, strconv.Itoa(os.Getpid())+"\n")
	}))
}

func TestMain(m *testing.M) {
	manager.Init()
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runLoop starts l in the background and stops it when the test ends.
func runLoop(t *testing.T, l Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("loop did not stop")
		}
	})
}

// askPid connects to addr and returns the pid the serving worker wrote.
func askPid(t *testing.T, addr net.Addr) int {
	t.Helper()
	pid, err := readPid(addr)
	require.NoError(t, err)
	return pid
}

func readPid(addr net.Addr) (int, error) {
	c, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		return 0, err
	}
	defer func() { _ = c.Close() }()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(line))
}

// sendLine writes line to a new connection and returns the first line of
// the answer.
func sendLine(addr net.Addr, line string) (string, error) {
	c, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		return "", err
	}
	defer func() { _ = c.Close() }()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.WriteString(c, line+"\n"); err != nil {
		return "", err
	}
	return bufio.NewReader(c).ReadString('\n')
}

// watchStatus samples l's status until the returned stop function is called,
// which reports the highest busy and total counts seen.
func watchStatus(l Loop) (stop func() (maxBusy, maxTotal int)) {
	var (
		wg          sync.WaitGroup
		done        = make(chan struct{})
		busy, total int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			s := l.Status()
			busy, total = max(busy, s.Busy), max(total, s.Total)
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	return func() (int, int) {
		close(done)
		wg.Wait()
		return busy, total
	}
}

// failingPoll makes the next n readiness waits fail, then restores poll
// when the test ends.
func failingPoll(t *testing.T, n int32) *atomic.Int32 {
	t.Helper()
	orig := poll
	var failed atomic.Int32
	poll = func(fds []unix.PollFd, timeout time.Duration) (int, error) {
		if failed.Load() < n {
			failed.Add(1)
			return 0, syscall.EINTR
		}
		return orig(fds, timeout)
	}
	t.Cleanup(func() { poll = orig })
	return &failed
}

func TestArgsNormalize(t *testing.T) {
	cases := []struct {
		in, want Args
	}{
		{Args{}, Args{MaxProc: 1, MaxIdleProc: 1, MinIdleProc: 1}},
		{DefaultArgs(), Args{MaxProc: 64, MaxIdleProc: 5, MinIdleProc: 1}},
		{Args{MaxProc: 0, MaxIdleProc: 2, MinIdleProc: 4}, Args{MaxProc: 4, MaxIdleProc: 4, MinIdleProc: 4}},
		{Args{MaxProc: 5, MaxIdleProc: 4, MinIdleProc: -1}, Args{MaxProc: 5, MaxIdleProc: 4, MinIdleProc: 1}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.in.Normalize(), "normalize %+v", c.in)
	}
}

func TestTransientAccept(t *testing.T) {
	assert.True(t, transientAccept(os.ErrDeadlineExceeded))
	assert.True(t, transientAccept(&net.OpError{Op: "accept", Err: os.NewSyscallError("accept", syscall.ECONNABORTED)}))
	assert.True(t, transientAccept(syscall.EINTR))
	assert.True(t, transientAccept(syscall.EPROTO))
	assert.False(t, transientAccept(net.ErrClosed))
	assert.False(t, transientAccept(syscall.EMFILE))
}

func TestNewRequiresService(t *testing.T) {
	_, err := NewHandoff(Config{BindIP: "127.0.0.1"})
	require.Error(t, err)
	_, err = NewLeaderFollower(Config{BindIP: "127.0.0.1", Service: "dispatch-pid", Lock: lock.Spec{Kind: "bogus"}})
	require.Error(t, err)
}

func TestHandoffServesConnections(t *testing.T) {
	h, err := NewHandoff(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-pid",
		Args:        Args{MaxProc: 4, MaxIdleProc: 2, MinIdleProc: 1},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, h)

	pids := map[int]int{}
	for i := 0; i < 6; i++ {
		pids[askPid(t, h.Addr())]++
	}
	assert.NotContains(t, pids, os.Getpid(), "connections are served by workers")

	require.Eventually(t, func() bool {
		s := h.Status()
		return s.Running && s.Busy == 0 && s.Idle >= 1 && s.Idle <= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, KindHandoff, h.Status().Mode)
}

func TestHandoffRecyclesWorkers(t *testing.T) {
	h, err := NewHandoff(Config{
		BindIP:             "127.0.0.1",
		Service:            "dispatch-pid",
		Args:               Args{MaxProc: 2, MaxIdleProc: 1, MinIdleProc: 1},
		MaxRequestsPerProc: 1,
		StopTimeout:        2 * time.Second,
		Logger:             quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, h)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		pid := askPid(t, h.Addr())
		assert.False(t, seen[pid], "worker %d served twice", pid)
		seen[pid] = true
	}
}

func TestLeaderFollowerExclusiveAccept(t *testing.T) {
	l, err := NewLeaderFollower(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-pid",
		Args:        Args{MaxProc: 3, MaxIdleProc: 3, MinIdleProc: 3},
		Lock:        lock.Spec{Kind: lock.KindFile, Path: filepath.Join(t.TempDir(), "accept.lock")},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status().Total == 3 }, 5*time.Second, 20*time.Millisecond)

	const conns = 24
	var (
		mu     sync.Mutex
		served = map[int]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid, err := readPid(l.Addr())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			served[pid]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	workers := map[int]bool{}
	for _, w := range l.Status().Workers {
		workers[w.PID] = true
	}
	for pid, n := range served {
		assert.True(t, workers[pid], "pid %d is not a pool worker", pid)
		total += n
	}
	assert.Equal(t, conns, total, "every connection is accepted by exactly one worker")
}

func TestThreadedServesConcurrently(t *testing.T) {
	l, err := NewThreaded(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-slow",
		Args:        Args{MaxProc: 1, MaxIdleProc: 1, MinIdleProc: 1},
		Threads:     4,
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status().Total == 1 }, 5*time.Second, 20*time.Millisecond)
	// Give the worker time to come up before timing the burst.
	askPid(t, l.Addr())

	start := time.Now()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pids = map[int]bool{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid, err := readPid(l.Addr())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			pids[pid] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, pids, 1, "one process serves every connection")
	assert.Less(t, time.Since(start), 4*300*time.Millisecond, "connections overlap inside the worker")
	assert.Equal(t, KindThreaded, l.Status().Mode)
}

func TestReadTokensAppliesEveryByte(t *testing.T) {
	kept, peer, err := pdu.Socketpair("tokens")
	require.NoError(t, err)
	conn, err := pdu.UnixConn(kept)
	require.NoError(t, err)
	worker, err := pdu.UnixConn(peer)
	require.NoError(t, err)
	defer func() { _ = worker.Close() }()

	r, err := process.NewRecord(os.Getpid(), conn)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	l := &LeaderFollower{base: &base{logger: quietLogger()}}
	buf := make([]byte, 8)

	_, err = worker.Write([]byte{'B', 'I', 'B'})
	require.NoError(t, err)
	require.True(t, l.readTokens(r, buf))
	assert.False(t, r.Idle(), "last token wins, earlier ones still count")
	assert.Equal(t, 1, r.Requests())

	_, err = worker.Write([]byte{'I', '!'})
	require.NoError(t, err)
	assert.False(t, l.readTokens(r, buf))

	require.NoError(t, worker.Close())
	assert.False(t, l.readTokens(r, buf), "EOF means the worker is gone")
}

func TestWatchParentCancelsOnEOF(t *testing.T) {
	a, b := net.Pipe()
	ctx, cancel := watchParent(context.Background(), a)
	defer cancel()
	require.NoError(t, b.Close())
	select {
	case <-ctx.Done():
		assert.True(t, errors.Is(ctx.Err(), context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestHandoffBackpressure(t *testing.T) {
	h, err := NewHandoff(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-slow",
		Args:        Args{MaxProc: 1, MaxIdleProc: 1, MinIdleProc: 1},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, h)
	askPid(t, h.Addr())

	stop := watchStatus(h)
	start := time.Now()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pids = map[int]bool{}
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid, err := readPid(h.Addr())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			pids[pid] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	maxBusy, maxTotal := stop()

	assert.LessOrEqual(t, maxBusy, 1, "never more than MaxProc connections in workers")
	assert.LessOrEqual(t, maxTotal, 1)
	assert.Len(t, pids, 1)
	assert.GreaterOrEqual(t, elapsed, 3*300*time.Millisecond-50*time.Millisecond, "connections were served one after another")
}

func TestHandoffEvictsCrashedWorker(t *testing.T) {
	h, err := NewHandoff(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-crash",
		Args:        Args{MaxProc: 2, MaxIdleProc: 1, MinIdleProc: 1},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, h)

	line, err := sendLine(h.Addr(), "hello")
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Status().Idle == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err = sendLine(h.Addr(), "die")
	require.Error(t, err, "the worker exits without answering")

	require.Eventually(t, func() bool {
		s := h.Status()
		if s.Busy != 0 || s.Idle != 1 {
			return false
		}
		for _, w := range s.Workers {
			if w.PID == pid {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "idle set refilled without the crashed worker")
	assert.NotContains(t, h.pool.Pids(), pid)

	line, err = sendLine(h.Addr(), "again")
	require.NoError(t, err)
	next, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)
	assert.NotEqual(t, pid, next)
}

func TestHandoffSpuriousWakeupKeepsWorker(t *testing.T) {
	h, err := NewHandoff(Config{
		BindIP:             "127.0.0.1",
		Service:            "dispatch-pid",
		Args:               Args{MaxProc: 1, MaxIdleProc: 1, MinIdleProc: 1},
		MaxRequestsPerProc: 1,
		PollTimeout:        20 * time.Millisecond,
		StopTimeout:        2 * time.Second,
		Logger:             quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, h.start(nil))
	t.Cleanup(func() { h.teardown(nil) })
	h.pool.EnsureIdle(1)
	require.Eventually(t, func() bool { return len(h.pool.Pids()) == 1 }, 5*time.Second, 20*time.Millisecond)
	before := h.pool.Pids()

	// Nothing is pending, so the accept times out.
	h.admit(context.Background())

	assert.Equal(t, before, h.pool.Pids(), "an unused worker is not recycled")
	dump := h.pool.Dump()
	require.Len(t, dump, 1)
	assert.Zero(t, dump[0].Requests)
	assert.Zero(t, h.busy.Len())
}

func TestHandoffSurvivesFailedWait(t *testing.T) {
	failed := failingPoll(t, 5)
	h, err := NewHandoff(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-pid",
		Args:        Args{MaxProc: 2, MaxIdleProc: 1, MinIdleProc: 1},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, h)

	assert.NotEqual(t, os.Getpid(), askPid(t, h.Addr()))
	assert.EqualValues(t, 5, failed.Load())
	assert.True(t, h.Status().Running)
}

func TestLeaderFollowerSurvivesFailedWait(t *testing.T) {
	failed := failingPoll(t, 5)
	l, err := NewLeaderFollower(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-pid",
		Args:        Args{MaxProc: 2, MaxIdleProc: 1, MinIdleProc: 1},
		Lock:        lock.Spec{Kind: lock.KindFile, Path: filepath.Join(t.TempDir(), "accept.lock")},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, l)

	require.Eventually(t, func() bool { return failed.Load() == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, os.Getpid(), askPid(t, l.Addr()))
	assert.True(t, l.Status().Running)
}

func TestLeaderFollowerShedsAfterBurst(t *testing.T) {
	l, err := NewLeaderFollower(Config{
		BindIP:      "127.0.0.1",
		Service:     "dispatch-slow",
		Args:        Args{MaxProc: 3, MaxIdleProc: 1, MinIdleProc: 1},
		Lock:        lock.Spec{Kind: lock.KindFile, Path: filepath.Join(t.TempDir(), "accept.lock")},
		StopTimeout: 2 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, l)
	require.Eventually(t, func() bool { return l.Status().Total == 1 }, 5*time.Second, 20*time.Millisecond)

	stop := watchStatus(l)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := readPid(l.Addr()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	_, peak := stop()
	assert.Greater(t, peak, 1, "the burst grew the pool")
	assert.LessOrEqual(t, peak, 3)

	require.Eventually(t, func() bool {
		s := l.Status()
		return s.Total == 1 && s.Busy == 0
	}, 10*time.Second, 20*time.Millisecond, "idle workers above MaxIdleProc are shed")
}

func TestLeaderFollowerWorkersLeaveAfterMaxRequests(t *testing.T) {
	l, err := NewLeaderFollower(Config{
		BindIP:             "127.0.0.1",
		Service:            "dispatch-pid",
		Args:               Args{MaxProc: 2, MaxIdleProc: 1, MinIdleProc: 1},
		MaxRequestsPerProc: 1,
		Lock:               lock.Spec{Kind: lock.KindFile, Path: filepath.Join(t.TempDir(), "accept.lock")},
		StopTimeout:        2 * time.Second,
		Logger:             quietLogger(),
	})
	require.NoError(t, err)
	runLoop(t, l)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		pid := askPid(t, l.Addr())
		assert.False(t, seen[pid], "worker %d served twice", pid)
		seen[pid] = true
	}
	require.Eventually(t, func() bool {
		for _, w := range l.Status().Workers {
			if seen[w.PID] {
				return false
			}
		}
		return l.Status().Total >= 1
	}, 5*time.Second, 20*time.Millisecond, "exhausted workers left the pool")
}
