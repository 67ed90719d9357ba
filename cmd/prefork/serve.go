package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"github.com/tedsuo/ifrit/sigmon"

	"github.com/loykin/prefork"
	"github.com/loykin/prefork/internal/auth"
	"github.com/loykin/prefork/internal/detector"
)

const defaultService = "echo"

// ServeFlags holds flags for the serve command. Flags that are set win
// over the config file.
type ServeFlags struct {
	Mode        string
	Port        int
	Service     string
	AdminListen string
	Daemonize   bool
	PidFile     string
	LogFile     string
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a dispatch loop and the admin API",
		Long: `Run a pre-forked TCP service. The dispatch loop and the admin API are
started in order and stopped in reverse on SIGINT or SIGTERM.

Modes:
  handoff   the parent accepts and passes each connection to an idle worker
  leader    workers take turns accepting on the shared listener
  threaded  like leader, with a handler pool inside every worker

Examples:
  prefork serve --service=unp --port=7000
  prefork serve --config=prefork.toml --daemonize --pidfile=/run/prefork.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadServeConfig(globalFlags.ConfigPath, cmd.Flags(), *serveFlags)
			if err != nil {
				return err
			}
			if serveFlags.Daemonize {
				pid, err := daemonize(serveFlags.LogFile)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Daemon started with PID %d\n", pid)
				return nil
			}
			return runServe(c, *serveFlags)
		},
	}

	cmd.Flags().StringVar(&serveFlags.Mode, "mode", "", "dispatch mode: handoff, leader or threaded")
	cmd.Flags().IntVar(&serveFlags.Port, "port", 0, "TCP port to listen on")
	cmd.Flags().StringVar(&serveFlags.Service, "service", "", "registered service to run (echo, unp)")
	cmd.Flags().StringVar(&serveFlags.AdminListen, "admin-listen", "", "enable the admin API on this address")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "log file (daemon output and server log)")
	return cmd
}

func loadServeConfig(path string, fs *pflag.FlagSet, f ServeFlags) (*prefork.Config, error) {
	c, err := prefork.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if fs.Changed("mode") {
		c.Server.Mode = strings.ToLower(strings.TrimSpace(f.Mode))
	}
	if fs.Changed("port") {
		c.Server.Port = f.Port
	}
	if fs.Changed("service") {
		c.Server.Service = f.Service
	}
	if c.Server.Service == "" {
		c.Server.Service = defaultService
	}
	if f.AdminListen != "" {
		c.Admin.Enabled = true
		c.Admin.Listen = f.AdminListen
	}
	if f.LogFile != "" && c.Log.File.Path == "" && c.Log.File.Dir == "" {
		c.Log.File.Path = f.LogFile
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// runServe blocks until the group of runners exits.
func runServe(c *prefork.Config, f ServeFlags) error {
	log, closer, err := c.Log.New("prefork")
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	env, err := c.Worker.Environ()
	if err != nil {
		return fmt.Errorf("worker env: %w", err)
	}
	rec, err := prefork.NewHistoryRecorder(c.History, log)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			log.Warn("close history sinks", "error", err)
		}
	}()

	loop, err := prefork.NewLoop(c.Server.Mode, c.Loop(env, log, rec))
	if err != nil {
		return err
	}

	var collectors []*prefork.WorkerCollector
	if c.Metrics.Enabled {
		wc, err := startCollector(c, loop, log)
		if err != nil {
			return err
		}
		defer wc.Stop()
		collectors = append(collectors, wc)
	}

	members := grouper.Members{{Name: "pool", Runner: loopRunner(loop)}}
	if c.Admin.Enabled {
		admin, err := prefork.NewAdminRunner(c.Admin, prefork.AdminOptions{
			BasePath: c.Admin.BasePath,
			Auth:     auth.NewAuthService(c.Admin.Auth),
			Workers:  collectors,
			Sources:  []prefork.StatusSource{loop},
		})
		if err != nil {
			return err
		}
		members = append(members, grouper.Member{Name: "admin", Runner: admin})
	}

	if f.PidFile != "" {
		meta := detector.Meta{Mode: c.Server.Mode, Listen: loop.Addr().String()}
		if c.Admin.Enabled {
			meta.Admin = c.Admin.Listen
		}
		if err := detector.WritePIDFile(f.PidFile, os.Getpid(), meta); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer func() { _ = os.Remove(f.PidFile) }()
	}

	log.Info("prefork serving", "mode", c.Server.Mode, "service", c.Server.Service,
		"listen", loop.Addr().String(), "admin", c.Admin.Enabled)
	proc := ifrit.Invoke(sigmon.New(grouper.NewOrdered(os.Interrupt, members), syscall.SIGTERM, syscall.SIGINT))
	err = <-proc.Wait()
	log.Info("prefork stopped", "error", err)
	return err
}

// loopRunner adapts a dispatch loop to ifrit: ready once the loop runs,
// Shutdown on any signal.
func loopRunner(l prefork.Loop) ifrit.Runner {
	return ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
		done := make(chan error, 1)
		go func() { done <- l.Run(context.Background()) }()
		close(ready)
		select {
		case <-signals:
			l.Shutdown()
			return <-done
		case err := <-done:
			return err
		}
	})
}

func startCollector(c *prefork.Config, l prefork.Loop, log *slog.Logger) (*prefork.WorkerCollector, error) {
	if err := prefork.RegisterMetricsDefault(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	wc := prefork.NewWorkerCollector(l.Status().Name, func() []int { return workerPids(l) }, c.Metrics.CollectInterval, log)
	if err := wc.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register worker metrics: %w", err)
	}
	if err := wc.Start(); err != nil {
		return nil, err
	}
	return wc, nil
}

func workerPids(l prefork.Loop) []int {
	ws := l.Status().Workers
	pids := make([]int, 0, len(ws))
	for _, w := range ws {
		pids = append(pids, w.PID)
	}
	return pids
}
