//go:build !windows

package manager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/loykin/prefork/internal/env"
	"github.com/loykin/prefork/internal/pdu"
)

// runManager serves spawn requests until the control process goes away.
// Each request carries one end of a fresh socketpair; the manager execs a
// worker with it as fd 3 and answers with a header whose source field is the
// new pid, or the negated errno on failure.
func runManager() int {
	spec, err := readSpec()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "prefork manager: %v\n", err)
		return 2
	}
	log := childLogger(spec, RoleManager)

	conn, err := pdu.UnixConn(os.NewFile(channelFD, "spawn"))
	if err != nil {
		log.Error("open spawn channel", "error", err)
		return 1
	}
	exe, err := os.Executable()
	if err != nil {
		log.Error("locate executable", "error", err)
		return 1
	}
	shared := make([]*os.File, len(spec.Files))
	for i, name := range spec.Files {
		shared[i] = os.NewFile(uintptr(firstShareFD+i), name)
	}
	workerEnv := env.New().Set(RoleEnv, RoleWorker).Set(WorkerEnv, os.Getenv(WorkerEnv)).List()

	stop := startReaper(log)
	defer stop()

	m := &spawner{exe: exe, env: workerEnv, shared: shared, logger: log}
	for {
		if err := m.serveOne(conn); err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("control process closed the spawn channel")
			} else {
				log.Error("spawn channel broken", "error", err)
			}
			terminateGroup(log)
			return 1
		}
	}
}

type spawner struct {
	exe    string
	env    []string
	shared []*os.File
	logger *slog.Logger
}

func (m *spawner) serveOne(conn *net.UnixConn) error {
	fd, err := pdu.RecvFD(conn)
	if err != nil {
		return err
	}
	ctrl := os.NewFile(uintptr(fd), "control")
	pid, err := m.exec(ctrl)
	_ = ctrl.Close()

	src := pid
	if err != nil {
		m.logger.Warn("spawn worker failed", "error", err)
		src = -int(errnoOf(err))
	} else {
		m.logger.Debug("spawned worker", "worker", pid)
	}
	if _, err := pdu.SendFrame(conn, pdu.NewHeader(src, os.Getppid()), nil); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// exec starts one worker and gives up the handle at once: the SIGCHLD reaper
// collects every exited child, so nothing here may wait on it.
func (m *spawner) exec(ctrl *os.File) (int, error) {
	cmd := &exec.Cmd{
		Path:       m.exe,
		Args:       []string{m.exe},
		Env:        m.env,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		ExtraFiles: append([]*os.File{ctrl}, m.shared...),
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// terminateGroup takes down every process in the manager's group, itself
// included.
func terminateGroup(log *slog.Logger) {
	log.Warn("terminating process group")
	if err := syscall.Kill(0, syscall.SIGTERM); err != nil {
		log.Error("kill process group", "error", err)
	}
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return syscall.EIO
}
