package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// BenchFlags holds flags for the bench command
type BenchFlags struct {
	Addr     string
	Clients  int
	Loops    int
	Bytes    int
	Timeout  time.Duration
	SlowMark time.Duration
}

// benchReport is what one client saw.
type benchReport struct {
	Client   int
	Elapsed  time.Duration
	Slow     int
	Fast     int
	ConnFail int
}

func createBenchCommand(benchFlags *BenchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load a server running the unp service",
		Long: `Open --loops connections from each of --clients concurrent clients. Every
connection asks for --bytes bytes and reads them back.

Examples:
  prefork serve --service=unp --port=7000 &
  prefork bench --addr=127.0.0.1:7000 --clients=8 --loops=100 --bytes=4000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := runBench(cmd.Context(), *benchFlags)
			for _, r := range reports {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "client %d done, time %s, %d ( > %s ), %d ( <= %s ), conn.fail %d\n",
					r.Client, r.Elapsed.Round(time.Millisecond), r.Slow, benchFlags.SlowMark, r.Fast, benchFlags.SlowMark, r.ConnFail)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&benchFlags.Addr, "addr", "127.0.0.1:7000", "server address")
	cmd.Flags().IntVar(&benchFlags.Clients, "clients", 4, "concurrent clients")
	cmd.Flags().IntVar(&benchFlags.Loops, "loops", 100, "connections per client")
	cmd.Flags().IntVar(&benchFlags.Bytes, "bytes", 4000, "bytes per request")
	cmd.Flags().DurationVar(&benchFlags.Timeout, "timeout", 10*time.Second, "per-connection deadline")
	cmd.Flags().DurationVar(&benchFlags.SlowMark, "slow", 10*time.Millisecond, "round trips above this count as slow")
	return cmd
}

// runBench fails on the first short reply. Refused connections are
// counted, not fatal.
func runBench(ctx context.Context, f BenchFlags) ([]benchReport, error) {
	if f.Bytes <= 0 || f.Bytes > maxUnpBytes {
		return nil, fmt.Errorf("bytes must be in 1..%d", maxUnpBytes)
	}
	reports := make([]benchReport, f.Clients)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.Clients; i++ {
		g.Go(func() error {
			rep := benchReport{Client: i}
			start := time.Now()
			for j := 0; j < f.Loops && ctx.Err() == nil; j++ {
				t0 := time.Now()
				ok, err := benchOnce(f)
				if err != nil {
					return fmt.Errorf("client %d: %w", i, err)
				}
				switch {
				case !ok:
					rep.ConnFail++
				case time.Since(t0) > f.SlowMark:
					rep.Slow++
				default:
					rep.Fast++
				}
			}
			rep.Elapsed = time.Since(start)
			reports[i] = rep
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}

// benchOnce performs one request. It reports false when the connection
// could not be made.
func benchOnce(f BenchFlags) (bool, error) {
	c, err := net.DialTimeout("tcp", f.Addr, f.Timeout)
	if err != nil {
		return false, nil
	}
	defer func() { _ = c.Close() }()
	_ = c.SetDeadline(time.Now().Add(f.Timeout))
	if _, err := io.WriteString(c, strconv.Itoa(f.Bytes)+"\n"); err != nil {
		return false, err
	}
	n, err := io.ReadFull(c, make([]byte, f.Bytes))
	if err != nil {
		return false, fmt.Errorf("server returned %d bytes: %w", n, err)
	}
	return true, nil
}
