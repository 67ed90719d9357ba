package prefork

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tedsuo/ifrit"

	cfg "github.com/loykin/prefork/internal/config"
	"github.com/loykin/prefork/internal/datum"
	"github.com/loykin/prefork/internal/dispatch"
	"github.com/loykin/prefork/internal/history"
	"github.com/loykin/prefork/internal/history/factory"
	"github.com/loykin/prefork/internal/manager"
	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/process"
	iapi "github.com/loykin/prefork/internal/server"
	"github.com/loykin/prefork/internal/service"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type AdminConfig = cfg.AdminConfig

type Loop = dispatch.Loop

type LoopConfig = dispatch.Config

type Args = dispatch.Args

type Status = dispatch.Status

type WorkerStatus = process.Status

type Record = process.Record

type Datum = datum.Dispatcher

type DatumConfig = datum.Config

type DatumHandler = datum.Handler

type DatumHandlerFuncs = datum.HandlerFuncs

type InetService = service.Inet

type InetFactory = service.InetFactory

type InetFunc = service.InetFunc

type DatumService = service.Datum

type DatumFactory = service.DatumFactory

type DatumFunc = service.DatumFunc

type NopHooks = service.NopHooks

type AdminOptions = iapi.Options

type StatusSource = iapi.StatusSource

type HistoryRecorder = history.Recorder

type HistorySink = history.Sink

type WorkerCollector = metrics.WorkerCollector

type HistoryConfig = cfg.HistoryConfig

const (
	ModeHandoff  = cfg.ModeHandoff
	ModeLeader   = cfg.ModeLeader
	ModeThreaded = cfg.ModeThreaded
)

var (
	ErrCapacity = datum.ErrCapacity
	ErrClosed   = datum.ErrClosed
)

// Init must be the first statement of main. In the control process it
// returns false; in a spawn manager or worker it never returns.
func Init() bool { return manager.Init() }

func NewHandoff(c LoopConfig) (*dispatch.Handoff, error) { return dispatch.NewHandoff(c) }
func NewLeaderFollower(c LoopConfig) (*dispatch.LeaderFollower, error) {
	return dispatch.NewLeaderFollower(c)
}
func NewThreaded(c LoopConfig) (*dispatch.LeaderFollower, error) { return dispatch.NewThreaded(c) }

// NewLoop builds the loop for one of the Mode* constants.
func NewLoop(mode string, c LoopConfig) (Loop, error) {
	var (
		l   Loop
		err error
	)
	switch mode {
	case ModeHandoff:
		l, err = NewHandoff(c)
	case ModeLeader:
		l, err = NewLeaderFollower(c)
	case ModeThreaded:
		l, err = NewThreaded(c)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func NewDatum(c DatumConfig, h DatumHandler) (*Datum, error) { return datum.New(c, h) }

func RegisterInetService(name string, f InetFactory)   { service.RegisterInet(name, f) }
func RegisterDatumService(name string, f DatumFactory) { service.RegisterDatum(name, f) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistoryRecorder opens one sink per DSN and fans events out to them.
// With no sinks it returns a nil recorder, which drops every event.
func NewHistoryRecorder(c HistoryConfig, log *slog.Logger) (*HistoryRecorder, error) {
	sinks, err := factory.NewSinks(c.Sinks)
	if err != nil {
		return nil, err
	}
	return history.NewRecorder(log, sinks...).WithTimeout(c.Timeout), nil
}

// NewAdminServer returns the admin API as a plain http.Server.
func NewAdminServer(c AdminConfig, opts AdminOptions) (*http.Server, error) {
	return iapi.NewServer(c, iapi.NewRouter(opts))
}

// NewAdminRunner returns the admin API as an ifrit runner.
func NewAdminRunner(c AdminConfig, opts AdminOptions) (ifrit.Runner, error) {
	return iapi.NewRunner(c, iapi.NewRouter(opts))
}

// NewWorkerCollector samples the resource usage of the pids that source
// returns every interval.
func NewWorkerCollector(pool string, source func() []int, interval time.Duration, log *slog.Logger) *WorkerCollector {
	return metrics.NewWorkerCollector(pool, source, interval, log)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
