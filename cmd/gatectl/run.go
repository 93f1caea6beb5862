package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/gatestream/internal/admin"
	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/handle"
	"github.com/danmuck/gatestream/internal/logging"
	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/measurement"
	"github.com/danmuck/gatestream/internal/observability"
	"github.com/danmuck/gatestream/internal/plugin"
	"github.com/danmuck/gatestream/internal/simulator"
	"github.com/spf13/cobra"
)

const demoCircuit = `{"qubits":3,"cycles_per_gate":1,"gates":[
	{"name":"x","targets":[0]},
	{"name":"cx","controls":[0],"targets":[1]},
	{"name":"swap","targets":[1,2]},
	{"name":"measure","measures":[0,1,2]}
]}`

type runOptions struct {
	Circuit   string
	AdminAddr string
	Hold      time.Duration
}

type runOutput struct {
	Session      string                 `json:"session"`
	Data         json.RawMessage        `json:"data,omitempty"`
	Measurements *measurement.ResultSet `json:"measurements"`
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a circuit through an in-process plugin chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChain(ctx, cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Circuit, "circuit", "", "circuit JSON file (defaults to a small demo circuit)")
	cmd.Flags().StringVar(&opts.AdminAddr, "admin", "", "serve the admin API on this address, overriding the config")
	cmd.Flags().DurationVar(&opts.Hold, "hold", 0, "keep the admin API up this long after the run")
	return cmd
}

func runChain(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	raw := []byte(demoCircuit)
	if opts.Circuit != "" {
		if raw, err = os.ReadFile(opts.Circuit); err != nil {
			return err
		}
	}
	data, err := arb.NewData(raw)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.Out = cmd.ErrOrStderr()
	logger := observability.InitLogger(cfg.Name, logCfg)
	observability.RegisterMetrics()
	sink := logproxy.NewSink(logger, cfg.LogLevel, cfg.SinkBuffer)
	defer sink.Close()
	log := sink.Proxy(cfg.Name, cfg.LogLevel)

	pluginOpts := cfg.PluginOptions()
	pluginOpts.Log = log
	local, err := simulator.StartLocal(ctx, cfg.LocalPlugins(), pluginOpts)
	if err != nil {
		return err
	}
	sim, err := simulator.New(local.Members, log)
	if err != nil {
		return err
	}

	adminAddr := cfg.Admin.Addr
	if opts.AdminAddr != "" {
		adminAddr = opts.AdminAddr
	}
	var srv *admin.Server
	if cfg.Admin.Enabled || opts.AdminAddr != "" {
		srv = admin.New(admin.Config{ID: cfg.Name, Addr: adminAddr, CorsOrigins: cfg.Admin.CorsOrigins, Token: cfg.Admin.Token, Log: log.Named("admin")}, admin.StatusFunc(func() []plugin.Status {
			out := make([]plugin.Status, 0, len(local.Plugins))
			for _, p := range local.Plugins {
				out = append(out, p.Status())
			}
			return out
		}))
		bound, err := srv.Start()
		if err != nil {
			return err
		}
		log.Infof("gatectl.run admin=%s", bound)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	out, runErr := runOnce(ctx, sim, data)
	if runErr == nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			runErr = err
		}
	}

	if srv != nil && opts.Hold > 0 {
		select {
		case <-time.After(opts.Hold):
		case <-ctx.Done():
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Session.WithDefaults().FlushTimeout+time.Second)
	defer cancel()
	stopErr := sim.Stop(stopCtx)
	waitErr := local.Wait()
	return errors.Join(runErr, stopErr, waitErr)
}

func runOnce(ctx context.Context, sim *simulator.Simulator, data arb.Data) (runOutput, error) {
	if err := sim.Start(ctx); err != nil {
		return runOutput{}, err
	}
	h, err := sim.RunToHandles(ctx, data)
	if err != nil {
		return runOutput{}, fmt.Errorf("run: %w", err)
	}
	return collectOutput(sim.Handles(), sim.SessionID(), h)
}

// collectOutput drains the run's handles into a printable result and
// releases them.
func collectOutput(arena *handle.Arena, sessionID string, h simulator.RunHandles) (runOutput, error) {
	defer func() {
		_ = arena.Delete(h.Data)
		_ = arena.Delete(h.Measurements)
	}()
	raw, err := arena.ArbJSON(h.Data)
	if err != nil {
		return runOutput{}, err
	}
	n, err := arena.MsetLen(h.Measurements)
	if err != nil {
		return runOutput{}, err
	}
	set := measurement.NewResultSet()
	for i := 0; i < n; i++ {
		mh, err := arena.MsetTakeAny(h.Measurements)
		if err != nil {
			return runOutput{}, err
		}
		v, err := arena.Take(mh)
		if err != nil {
			return runOutput{}, err
		}
		m, ok := v.(measurement.Measurement)
		if !ok {
			return runOutput{}, fmt.Errorf("%w: handle %d holds %T", handle.ErrWrongType, mh, v)
		}
		set.Insert(m)
	}
	return runOutput{Session: sessionID, Data: json.RawMessage(raw), Measurements: set}, nil
}
