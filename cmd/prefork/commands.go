package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/prefork"
	"github.com/loykin/prefork/internal/auth"
	"github.com/loykin/prefork/internal/detector"
	"github.com/loykin/prefork/pkg/client"
)

var errNotRunning = errors.New("server is not running")

// DatumFlags holds flags for the datum command
type DatumFlags struct {
	Service string
	Count   int
	Timeout time.Duration
}

func createDatumCommand(globalFlags *GlobalFlags, datumFlags *DatumFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datum",
		Short: "Send a burst of requests through a datum dispatcher",
		Long: `Start a datum dispatcher, send --count requests to its workers and print
every reply with the pid of the worker that produced it.

Examples:
  prefork datum --service=upper --count=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatum(cmd.Context(), globalFlags.ConfigPath, *datumFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&datumFlags.Service, "service", "", "registered datum service (default from config, else upper)")
	cmd.Flags().IntVar(&datumFlags.Count, "count", 10, "number of requests")
	cmd.Flags().DurationVar(&datumFlags.Timeout, "timeout", 30*time.Second, "time to wait for every reply")
	return cmd
}

type datumResult struct {
	pid  int
	data []byte
	err  error
}

func runDatum(ctx context.Context, configPath string, f DatumFlags, out io.Writer) error {
	c, err := prefork.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if f.Service != "" {
		c.Datum.Service = f.Service
	}
	if c.Datum.Service == "" {
		c.Datum.Service = "upper"
	}
	log, closer, err := c.Log.New("prefork-datum")
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	env, err := c.Worker.Environ()
	if err != nil {
		return err
	}

	results := make(chan datumResult, max(f.Count, 1))
	d, err := prefork.NewDatum(c.Dispatcher(env, log, nil), prefork.DatumHandlerFuncs{
		Reply: func(pid int, b []byte) { results <- datumResult{pid: pid, data: b} },
		Error: func(pid int, err error) { results <- datumResult{pid: pid, err: err} },
	})
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	pending := 0
	for i := 0; i < f.Count; i++ {
		if _, err := d.Dispatch(ctx, []byte(fmt.Sprintf("request-%d", i))); err != nil {
			_, _ = fmt.Fprintf(out, "request-%d\trejected\t%v\n", i, err)
			continue
		}
		pending++
	}
	for ; pending > 0; pending-- {
		select {
		case r := <-results:
			if r.err != nil {
				_, _ = fmt.Fprintf(out, "pid=%d\terror\t%v\n", r.pid, r.err)
				continue
			}
			_, _ = fmt.Fprintf(out, "pid=%d\treply\t%s\n", r.pid, r.data)
		case <-ctx.Done():
			return fmt.Errorf("%d replies outstanding: %w", pending, ctx.Err())
		}
	}
	return nil
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Name       string
	APIUrl     string
	APITimeout time.Duration
	PidFile    string
	PID        int
	Workers    bool
	Username   string
	Password   string
	CACert     string
	Insecure   bool
}

func createStatusCommand(statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		Long: `Show whether a server is running and what its pools look like.

Examples:
  prefork status --pidfile=/run/prefork.pid
  prefork status --api-url=http://127.0.0.1:7080/api --workers
  prefork status --api-url=https://host:7080/api --ca-cert=ca.crt --username=ops --password=...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), *statusFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&statusFlags.Name, "name", "", "pool name (optional)")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "admin API URL (e.g. http://127.0.0.1:7080/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&statusFlags.PidFile, "pidfile", "", "check the server recorded in this PID file")
	cmd.Flags().IntVar(&statusFlags.PID, "pid", 0, "check that this PID is alive")
	cmd.Flags().BoolVar(&statusFlags.Workers, "workers", false, "list workers with resource usage")
	cmd.Flags().StringVar(&statusFlags.Username, "username", "", "admin API username")
	cmd.Flags().StringVar(&statusFlags.Password, "password", "", "admin API password")
	cmd.Flags().StringVar(&statusFlags.CACert, "ca-cert", "", "CA certificate for an HTTPS admin API")
	cmd.Flags().BoolVar(&statusFlags.Insecure, "insecure", false, "skip TLS certificate verification")
	return cmd
}

func runStatus(ctx context.Context, f StatusFlags, out io.Writer) error {
	if d := localDetector(f); d != nil {
		alive, err := d.Alive()
		if err != nil {
			return err
		}
		if !alive {
			_, _ = fmt.Fprintf(out, "not running (%s)\n", d.Describe())
			return errNotRunning
		}
		if f.PidFile != "" {
			pid, meta, err := detector.ReadPIDFile(f.PidFile)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "running pid=%d mode=%s listen=%s admin=%s\n", pid, meta.Mode, meta.Listen, meta.Admin)
		} else {
			_, _ = fmt.Fprintf(out, "running (%s)\n", d.Describe())
		}
		if f.APIUrl == "" {
			return nil
		}
	}

	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Logger:   slog.Default(),
		Username: f.Username,
		Password: f.Password,
	}
	if f.CACert != "" || f.Insecure {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert, SkipVerify: f.Insecure}
	}
	cli, err := client.New(cfg)
	if err != nil {
		return err
	}
	if f.Workers {
		ws, err := cli.Workers(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, ws)
	}
	sts, err := cli.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	return printJSON(out, sts)
}

// localDetector picks the liveness check asked for on the command line,
// or nil when only the admin API should be queried.
func localDetector(f StatusFlags) detector.Detector {
	switch {
	case f.PidFile != "":
		return detector.PIDFileDetector{PIDFile: f.PidFile}
	case f.PID > 0:
		return detector.PIDDetector{PID: f.PID}
	}
	return nil
}

func createCheckConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file",
		Long: `Load the config file given with --config, apply PREFORK_* environment
overrides and report the effective server settings.

Examples:
  prefork check-config --config=prefork.toml
  PREFORK_SERVER_PORT=9000 prefork check-config`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckConfig(globalFlags.ConfigPath, cmd.OutOrStdout())
		},
	}
}

func runCheckConfig(path string, out io.Writer) error {
	c, err := prefork.LoadConfig(path)
	if err != nil {
		return err
	}
	args := c.Server.Args()
	_, _ = fmt.Fprintf(out, "config OK\nmode=%s listen=%s:%d service=%q max_proc=%d min_idle=%d max_idle=%d\n",
		c.Server.Mode, c.Server.BindIP, c.Server.Port, c.Server.Service, args.MaxProc, args.MinIdleProc, args.MaxIdleProc)
	if c.Admin.Enabled {
		_, _ = fmt.Fprintf(out, "admin=%s framework=%s auth=%t tls=%t\n",
			c.Admin.Listen, c.Admin.Framework, c.Admin.Auth.Enabled(), c.Admin.TLS.Enabled)
	}
	if len(c.History.Sinks) > 0 {
		_, _ = fmt.Fprintf(out, "history sinks=%d\n", len(c.History.Sinks))
	}
	return nil
}

// HashPasswordFlags holds flags for the hash-password command
type HashPasswordFlags struct {
	Password string
	Cost     int
}

func createHashPasswordCommand(hashFlags *HashPasswordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for admin.auth.password_hash",
		Long: `Hash a password for the admin API. Without --password the first line of
stdin is used.

Examples:
  prefork hash-password --password=s3cret
  echo s3cret | prefork hash-password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHashPassword(*hashFlags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&hashFlags.Password, "password", "", "password to hash")
	cmd.Flags().IntVar(&hashFlags.Cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func runHashPassword(f HashPasswordFlags, in io.Reader, out io.Writer) error {
	pw := f.Password
	if pw == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	h, err := auth.HashPassword(pw, f.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, h)
	return nil
}
