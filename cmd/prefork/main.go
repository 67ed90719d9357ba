package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/prefork"
)

func main() {
	// Spawn managers and workers are re-executions of this binary; they
	// never get past Init.
	prefork.Init()

	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, &ServeFlags{}),
		createDatumCommand(globalFlags, &DatumFlags{}),
		createStatusCommand(&StatusFlags{}),
		createCheckConfigCommand(globalFlags),
		createHashPasswordCommand(&HashPasswordFlags{}),
		createBenchCommand(&BenchFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "prefork",
		Short: "Pre-forking TCP server and RPC worker pool",
		Long: `Prefork runs a TCP service in a pool of worker processes, handing each
accepted connection to an idle worker or letting workers accept in turn.

Examples:
  prefork serve --service=echo --port=7000
  prefork serve --mode=leader --service=unp --admin-listen=127.0.0.1:7080
  prefork status --api-url=http://127.0.0.1:7080/api
  prefork datum --service=upper --count=10`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file (optional)")

	return root
}
