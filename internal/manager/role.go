// Package manager implements the spawn manager: a small process that
// creates workers on request so the control process never has to.
//
// The binary re-executes itself for every role. The role and the worker
// description travel in the environment; descriptors travel through the
// inherited file table. fd 3 is the spawn channel in the manager and the
// control channel in a worker. Shared files follow from fd 4 on.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/loykin/prefork/internal/lock"
	"github.com/loykin/prefork/internal/logger"
	"github.com/loykin/prefork/internal/pdu"
	"github.com/loykin/prefork/internal/process"
)

const (
	RoleEnv   = "PREFORK_ROLE"
	WorkerEnv = "PREFORK_WORKER"

	RoleManager = "manager"
	RoleWorker  = "worker"

	channelFD    = 3
	firstShareFD = 4
)

// WorkerSpec tells a freshly exec'd worker what to run.
type WorkerSpec struct {
	Kind        string        `json:"kind"`
	Service     string        `json:"service,omitempty"`
	Pool        string        `json:"pool,omitempty"`
	MaxRequests int           `json:"max_requests,omitempty"`
	Threads     int           `json:"threads,omitempty"`
	Lock        lock.Spec     `json:"lock"`
	Files       []string      `json:"files,omitempty"`
	Log         logger.Config `json:"log"`
}

// Worker is what a worker body receives.
type Worker struct {
	Spec   WorkerSpec
	Record *process.Record
	Logger *slog.Logger

	files map[string]*os.File
}

// File returns the inherited shared file registered as name, or nil.
func (w *Worker) File(name string) *os.File {
	return w.files[name]
}

// WorkerFunc is the body of a worker kind. Returning ends the process.
type WorkerFunc func(ctx context.Context, w *Worker) error

var (
	kindsMu sync.RWMutex
	kinds   = map[string]WorkerFunc{}
)

// RegisterWorker makes a worker kind available to spawned workers. It is
// meant to be called from init so the registration exists in every exec'd
// copy of the binary.
func RegisterWorker(kind string, fn WorkerFunc) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, dup := kinds[kind]; dup {
		panic(fmt.Sprintf("manager: worker kind %q registered twice", kind))
	}
	kinds[kind] = fn
}

// Kinds lists registered worker kinds.
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookupKind(kind string) (WorkerFunc, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	fn, ok := kinds[kind]
	return fn, ok
}

// Init must be the first call in main (and in TestMain). In the control
// process it returns false. In a manager or worker it runs that role and
// exits the process.
func Init() bool {
	switch role := os.Getenv(RoleEnv); role {
	case "":
		return false
	case RoleManager:
		os.Exit(runManager())
	case RoleWorker:
		os.Exit(runWorker())
	default:
		_, _ = fmt.Fprintf(os.Stderr, "prefork: unknown role %q\n", role)
		os.Exit(2)
	}
	return true
}

func readSpec() (WorkerSpec, error) {
	var s WorkerSpec
	raw := os.Getenv(WorkerEnv)
	if raw == "" {
		return s, fmt.Errorf("%s not set", WorkerEnv)
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", WorkerEnv, err)
	}
	return s, nil
}

// childLogger builds the logger of a manager or worker. Children write to the
// inherited stderr; only the control process owns the rotated log file.
func childLogger(s WorkerSpec, role string) *slog.Logger {
	cfg := s.Log
	cfg.File = logger.FileConfig{}
	l, _, err := cfg.New(role)
	if err != nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return l.With("role", role, "pid", os.Getpid(), "pool", s.Pool)
}

func inheritedFiles(names []string) map[string]*os.File {
	out := make(map[string]*os.File, len(names))
	for i, name := range names {
		out[name] = os.NewFile(uintptr(firstShareFD+i), name)
	}
	return out
}

func runWorker() int {
	spec, err := readSpec()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "prefork worker: %v\n", err)
		return 2
	}
	log := childLogger(spec, RoleWorker)
	fn, ok := lookupKind(spec.Kind)
	if !ok {
		log.Error("unknown worker kind", "kind", spec.Kind)
		return 2
	}
	conn, err := pdu.UnixConn(os.NewFile(channelFD, "control"))
	if err != nil {
		log.Error("open control channel", "error", err)
		return 1
	}
	rec, err := process.NewRecord(os.Getpid(), conn)
	if err != nil {
		log.Error("worker record", "error", err)
		return 1
	}
	w := &Worker{Spec: spec, Record: rec, Logger: log, files: inheritedFiles(spec.Files)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fn(ctx, w); err != nil {
		log.Error("worker stopped", "kind", spec.Kind, "error", err)
		_ = rec.Close()
		return 1
	}
	_ = rec.Close()
	return 0
}
