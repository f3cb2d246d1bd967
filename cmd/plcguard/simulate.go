package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iyulab/plcguard/internal/config"
	"github.com/iyulab/plcguard/internal/hostsim"
	"github.com/iyulab/plcguard/internal/logging"
	"github.com/iyulab/plcguard/internal/orchestrator"
	"github.com/iyulab/plcguard/internal/scenario"
	"github.com/iyulab/plcguard/scripts"
)

const simRuntimeBase = 0xb6f8a000

func newSimulateCmd() *cobra.Command {
	var (
		name    string
		mode    string
		list    bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play an attack scenario against a simulated host",
		Long: `simulate runs every monitor against an in-memory host and plays one of
the embedded scenarios (or all of them with --scenario all), then prints
the detection summary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, n := range scripts.ScenarioNames() {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}
			return runSimulate(cmd.Context(), simOptions{
				Scenario: name,
				Mode:     mode,
				Verbose:  verbose,
				Out:      cmd.OutOrStdout(),
				Progress: cmd.ErrOrStderr(),
			})
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&name, "scenario", "all", "scenario to play, or \"all\"")
	cmd.Flags().StringVar(&mode, "mode", "passive", "MAP monitor mode (passive | active)")
	cmd.Flags().BoolVar(&list, "list", false, "list the embedded scenarios")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	return cmd
}

type simOptions struct {
	Scenario string
	Mode     string
	Verbose  bool
	Out      io.Writer
	Progress io.Writer
}

// simConfig shortens every interval so scenarios finish in well under a
// second each.
func simConfig(mode string) (*config.Config, error) {
	cfg := config.Default()
	cfg.Platform.Host = config.HostSim
	cfg.IO.IntervalMS = 5
	cfg.IO.ReadWaitMS = 50
	cfg.IO.WriteWaitMS = 200
	cfg.IO.RuntimeBase = simRuntimeBase
	cfg.DR.IntervalMS = 5
	cfg.Map.Mode = mode
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSimulate(ctx context.Context, opts simOptions) error {
	names := []string{opts.Scenario}
	if opts.Scenario == "all" {
		names = scripts.ScenarioNames()
	}
	sources := make([]string, len(names))
	for i, n := range names {
		src, err := scripts.Scenario(n)
		if err != nil {
			return err
		}
		sources[i] = src
	}

	cfg, err := simConfig(opts.Mode)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log, err := logging.New(level, "auto", os.Stderr)
	if err != nil {
		return err
	}

	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	host := hostsim.New()
	host.SetRuntime(simRuntimeBase, layout.PinCtrlBase)

	orch, err := orchestrator.New(cfg, host, log, orchestrator.Options{
		Verbose:  opts.Verbose,
		Version:  version,
		Progress: opts.Progress,
		Summary:  opts.Out,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(runCtx) }()

	if err := waitRunning(ctx, orch, runErr); err != nil {
		return err
	}

	globals := map[string]uint64{
		"GPIO_BASE":     layout.PinCtrlBase,
		"RUNTIME_BASE":  simRuntimeBase,
		"READ_WAIT_MS":  uint64(cfg.IO.ReadWaitMS),
		"WRITE_WAIT_MS": uint64(cfg.IO.WriteWaitMS),
	}
	var scriptErr error
	for i, n := range names {
		fmt.Fprintf(opts.Progress, "[*] Scenario %s\n", n)
		scriptErr = scenario.Run(runCtx, host, sources[i], scenario.Options{
			Name:    n,
			Globals: globals,
			Log:     log.Level(zerolog.InfoLevel),
		})
		if scriptErr != nil {
			break
		}
	}

	cancel()
	if err := <-runErr; err != nil {
		return err
	}
	if scriptErr != nil && ctx.Err() == nil {
		return scriptErr
	}
	return nil
}

// waitRunning blocks until every enabled monitor reports running, or Run
// has already returned.
func waitRunning(ctx context.Context, orch *orchestrator.Orchestrator, runErr <-chan error) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	timeout := time.After(5 * time.Second)
	for {
		up := true
		for _, m := range orch.Monitors() {
			if !m.Running() {
				up = false
			}
		}
		if up {
			return nil
		}
		select {
		case err := <-runErr:
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("monitors did not start")
		case <-tick.C:
		}
	}
}
