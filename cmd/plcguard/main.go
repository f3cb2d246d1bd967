// Package main is the CLI entry point for plcguard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iyulab/plcguard/internal/config"
	"github.com/iyulab/plcguard/internal/hostlinux"
	"github.com/iyulab/plcguard/internal/hostsim"
	"github.com/iyulab/plcguard/internal/logging"
	"github.com/iyulab/plcguard/internal/mapmon"
	"github.com/iyulab/plcguard/internal/orchestrator"
	"github.com/iyulab/plcguard/internal/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plcguard",
		Short: "Host intrusion detection for PLC runtimes",
		Long: `plcguard watches the pin configuration registers, the debug registers
and /dev/mem mappings of a PLC host, and rolls back or refuses changes
that the PLC runtime did not make.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringP("config", "c", "config.toml", "path to config file")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.Flags().Bool("no-serve", false, "disable the status server even if enabled in config")
	rootCmd.Flags().String("addr", "", "status server address (overrides server.addr)")
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	runCmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the monitors until interrupted (default command)",
		RunE:         run,
		SilenceUsage: true,
	}
	runCmd.Flags().AddFlagSet(rootCmd.Flags())
	rootCmd.AddCommand(runCmd, newSimulateCmd(), newLayoutsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	noServe, _ := cmd.Flags().GetBool("no-serve")
	addr, _ := cmd.Flags().GetString("addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	host, closeHost, err := newHost(cfg, log)
	if err != nil {
		return err
	}
	defer closeHost()

	orch, err := orchestrator.New(cfg, host, log, orchestrator.Options{
		Verbose: verbose,
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Serve:   cfg.Server.Enabled && !noServe,
		Addr:    addr,
	})
	if err != nil {
		return err
	}
	return orch.Run(cmd.Context())
}

// newHost builds the host platform named by platform.host.
func newHost(cfg *config.Config, log zerolog.Logger) (platform.Host, func(), error) {
	switch cfg.Platform.Host {
	case config.HostSim:
		layout, err := cfg.Layout()
		if err != nil {
			return nil, nil, err
		}
		h := hostsim.New()
		h.SetRuntime(cfg.IO.RuntimeBase, layout.PinCtrlBase)
		return h, func() {}, nil
	default:
		mode, err := mapmon.ParseMode(cfg.Map.Mode)
		if err != nil {
			return nil, nil, err
		}
		h, err := hostlinux.New(hostlinux.Options{
			RuntimePID:  cfg.IO.RuntimePID,
			KillRefused: mode == mapmon.ModeActive,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("host: %w", err)
		}
		return h, func() {
			if err := h.Close(); err != nil {
				log.Warn().Err(err).Msg("closing host")
			}
		}, nil
	}
}
