//go:build !windows

package manager

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// startReaper collects exited workers whenever SIGCHLD arrives.
func startReaper(log *slog.Logger) (stop func()) {
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, unix.SIGCHLD)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				reapAll(log)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// reapAll waits for every child that has exited and returns how many it
// collected.
func reapAll(log *slog.Logger) int {
	n := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return n
		}
		n++
		switch {
		case ws.Signaled():
			log.Debug("reaped worker", "worker", pid, "signal", ws.Signal())
		default:
			log.Debug("reaped worker", "worker", pid, "status", ws.ExitStatus())
		}
	}
}
