// Package orchestrator starts the monitors in dependency order, supervises
// them while they run and tears everything down on the first failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iyulab/plcguard/internal/config"
	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/drmon"
	"github.com/iyulab/plcguard/internal/iomon"
	"github.com/iyulab/plcguard/internal/mapmon"
	"github.com/iyulab/plcguard/internal/platform"
	"github.com/iyulab/plcguard/internal/server"
	"github.com/iyulab/plcguard/internal/sigma"
)

// Monitor is the lifecycle every monitor implements. Done may return nil
// for a monitor without a task of its own.
type Monitor interface {
	Name() string
	Start() error
	Stop() error
	Done() <-chan struct{}
	Err() error
	Running() bool
}

// Options holds CLI flags for the orchestrator.
type Options struct {
	Verbose bool
	Version string
	Serve   bool
	Addr    string
	// Progress receives the "[*]" lifecycle lines; Summary the final report.
	// They default to stderr and stdout.
	Progress io.Writer
	Summary  io.Writer
}

// Orchestrator owns the three monitors and the detection journal.
type Orchestrator struct {
	cfg     *config.Config
	opts    Options
	host    platform.Host
	log     zerolog.Logger
	journal *detect.Journal

	io   *iomon.Monitor
	dr   *drmon.Monitor
	mapm *mapmon.Monitor

	// monitors lists the enabled monitors in start order.
	monitors []Monitor
	started  []Monitor
}

// New builds the monitors described by cfg on top of host.
func New(cfg *config.Config, host platform.Host, log zerolog.Logger, opts Options) (*Orchestrator, error) {
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}
	if opts.Summary == nil {
		opts.Summary = os.Stdout
	}
	if opts.Addr == "" {
		opts.Addr = cfg.Server.Addr
	}

	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	mode, err := mapmon.ParseMode(cfg.Map.Mode)
	if err != nil {
		return nil, err
	}

	var rules detect.Tagger
	engine, err := sigma.NewDefault()
	if err != nil {
		fmt.Fprintf(opts.Progress, "[orchestrator] warning: sigma engine init: %v\n", err)
	} else {
		rules = engine
	}
	journal := detect.NewJournal(log, rules, cfg.Journal.Capacity)

	var patches []platform.Patch
	if cfg.DR.DisableUserInterface {
		patches = layout.DebugPatches
	}
	dr := drmon.New(host, drmon.Config{
		Interval:             cfg.DRInterval(),
		DisableUserInterface: cfg.DR.DisableUserInterface,
		Patches:              patches,
	}, log, journal)

	// The I/O monitor always classifies through the DR watch service, which
	// passes straight through to the host while DR is stopped or disabled.
	iom := iomon.New(host, dr, iomon.Config{
		Layout:      layout,
		Interval:    cfg.IOInterval(),
		ReadWait:    cfg.ReadWait(),
		WriteWait:   cfg.WriteWait(),
		RuntimeBase: cfg.IO.RuntimeBase,
	}, log, journal)

	mapm := mapmon.New(host, mapmon.Config{
		Region:   layout.Region,
		Mode:     mode,
		MaxPages: cfg.Map.MaxPages,
		PageSize: host.PageSize(),
	}, log, journal)

	o := &Orchestrator{
		cfg:     cfg,
		opts:    opts,
		host:    host,
		log:     log,
		journal: journal,
		io:      iom,
		dr:      dr,
		mapm:    mapm,
	}
	if cfg.IO.Enabled {
		o.monitors = append(o.monitors, iom)
	}
	if cfg.DR.Enabled {
		o.monitors = append(o.monitors, dr)
	}
	if cfg.Map.Enabled {
		o.monitors = append(o.monitors, mapm)
	}
	return o, nil
}

// Journal returns the detection journal.
func (o *Orchestrator) Journal() *detect.Journal { return o.journal }

// Registry returns the MAP monitor's page registry.
func (o *Orchestrator) Registry() *mapmon.Registry { return o.mapm.Registry() }

// Monitors returns the enabled monitors in start order.
func (o *Orchestrator) Monitors() []Monitor { return o.monitors }

// Start starts every enabled monitor in order I/O, DR, MAP. If one fails,
// the ones already started are stopped in reverse order and the error is
// returned.
func (o *Orchestrator) Start() error {
	if len(o.started) > 0 {
		return fmt.Errorf("%w: monitors already started", platform.ErrTask)
	}
	for _, m := range o.monitors {
		if err := m.Start(); err != nil {
			serr := o.Stop()
			return errors.Join(fmt.Errorf("start %s monitor: %w", m.Name(), err), serr)
		}
		o.started = append(o.started, m)
		if o.opts.Verbose {
			fmt.Fprintf(o.opts.Progress, "[orchestrator] %s monitor started\n", m.Name())
		}
	}
	return nil
}

// Stop stops the started monitors in reverse order. Every monitor is
// stopped even if an earlier one fails; the errors are joined.
func (o *Orchestrator) Stop() error {
	var errs []error
	for i := len(o.started) - 1; i >= 0; i-- {
		m := o.started[i]
		if err := m.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s monitor: %w", m.Name(), err))
		}
	}
	o.started = nil
	return errors.Join(errs...)
}

// supervise blocks until ctx ends or a started monitor's task exits.
func supervise(ctx context.Context, m Monitor) error {
	done := m.Done()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-done:
		if err := m.Err(); err != nil {
			return fmt.Errorf("%s monitor failed: %w", m.Name(), err)
		}
		return fmt.Errorf("%w: %s monitor exited unexpectedly", platform.ErrTask, m.Name())
	}
}

// Run starts the monitors, serves status if requested and blocks until ctx
// is cancelled or a monitor fails. A failing monitor brings the whole
// subsystem down and its error is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	startTime := time.Now()
	names := make([]string, len(o.monitors))
	for i, m := range o.monitors {
		names[i] = m.Name()
	}
	fmt.Fprintf(o.opts.Progress, "[*] Starting monitors %v on %s/%s (map mode %s)...\n",
		names, o.cfg.Platform.Host, o.cfg.Platform.SoC, o.cfg.Map.Mode)

	if err := o.Start(); err != nil {
		return err
	}
	fmt.Fprintf(o.opts.Progress, "[*] %d monitor(s) running\n", len(o.started))

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range o.started {
		g.Go(func() error { return supervise(gctx, m) })
	}

	var srv *server.Server
	if o.opts.Serve {
		srv = server.New(o)
		addr, err := srv.Start(gctx, o.opts.Addr)
		if err != nil {
			fmt.Fprintf(o.opts.Progress, "[orchestrator] warning: status server: %v\n", err)
			srv = nil
		} else {
			fmt.Fprintf(o.opts.Progress, "[*] Status server: http://%s/state\n", addr)
		}
	}
	// Keeps Run blocked when no started monitor has a task of its own.
	g.Go(func() error {
		<-gctx.Done()
		if srv != nil {
			srv.Stop()
		}
		return nil
	})

	// Once any supervisor returns an error gctx is cancelled, so the wait
	// returns after the first failure.
	runErr := g.Wait()
	if runErr != nil {
		fmt.Fprintf(o.opts.Progress, "[orchestrator] %v, shutting down\n", runErr)
	}

	fmt.Fprintf(o.opts.Progress, "[*] Stopping monitors...\n")
	if err := o.Stop(); err != nil {
		fmt.Fprintf(o.opts.Progress, "[orchestrator] warning: %v\n", err)
		runErr = errors.Join(runErr, err)
	}
	fmt.Fprintf(o.opts.Progress, "[*] Total time: %s\n", time.Since(startTime).Round(time.Millisecond))

	o.printSummary()
	return runErr
}

func (o *Orchestrator) printSummary() {
	w := o.opts.Summary
	records := o.journal.Records()
	byMonitor := map[string]int{}
	restored, denied := 0, 0
	for _, r := range records {
		byMonitor[r.Monitor]++
		switch r.Action {
		case detect.ActionRestored:
			restored++
		case detect.ActionDenied:
			denied++
		}
	}

	fmt.Fprintf(w, "\n=== plcguard Summary ===\n")
	if o.opts.Version != "" {
		fmt.Fprintf(w, "Version: %s\n", o.opts.Version)
	}
	fmt.Fprintf(w, "Detections: %d (io %d | dr %d | map %d)\n", o.journal.Total(),
		byMonitor[detect.MonitorIO], byMonitor[detect.MonitorDR], byMonitor[detect.MonitorMap])
	fmt.Fprintf(w, "Restored: %d | Denied: %d\n", restored, denied)
	for _, r := range records {
		fmt.Fprintf(w, "  %s %-4s %-18s target=0x%08x verdict=%s action=%s\n",
			r.At.Format("15:04:05.000"), r.Monitor, r.Kind, r.Target, r.Verdict, r.Action)
	}
}

// Status implements server.Source.
func (o *Orchestrator) Status() server.Status {
	enabled := map[string]bool{}
	for _, m := range o.monitors {
		enabled[m.Name()] = true
	}
	bp, wp := o.dr.Slots()
	st := server.Status{
		Version:      o.opts.Version,
		Host:         o.cfg.Platform.Host,
		SoC:          o.cfg.Platform.SoC,
		MapMode:      o.mapm.Mode().String(),
		Breakpoints:  bp,
		Watchpoints:  wp,
		Detections:   o.journal.Total(),
		TrackedPages: o.mapm.Registry().Len(),
	}
	for _, m := range []Monitor{o.io, o.dr, o.mapm} {
		ms := server.MonitorStatus{Name: m.Name(), Enabled: enabled[m.Name()], Running: m.Running()}
		if m == Monitor(o.dr) && bp+wp == 0 {
			ms.Idle = true
		}
		if err := m.Err(); err != nil {
			ms.Error = err.Error()
		}
		st.Monitors = append(st.Monitors, ms)
	}
	return st
}

// Records implements server.Source.
func (o *Orchestrator) Records() []detect.Record { return o.journal.Records() }

// Mappings implements server.Source.
func (o *Orchestrator) Mappings() []mapmon.Page { return o.mapm.Registry().Snapshot() }
