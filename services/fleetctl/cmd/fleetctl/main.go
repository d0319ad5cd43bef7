package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetsync/pkg/config"
	"fleetsync/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	out        io.Writer
	configPath string
	jsonOutput bool

	cfg    config.Config
	logger zerolog.Logger
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}

	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Inspect the fleet registry and sync kanban boards",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context(), a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logger = telemetry.NewLogger("fleetctl", cfg.LogLevel, "console")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to YAML configuration file (default $FLEET_CONFIG)")
	cmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Print machine-readable JSON")

	cmd.AddCommand(
		a.newMachinesCommand(),
		a.newMachineCommand(),
		a.newStatusCommand(),
		a.newRegisterCommand(),
		a.newReportCommand(),
		a.newWatchCommand(),
		a.newKanbanCommand(),
	)
	return cmd
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
