package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cumulus/internal/config"
	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/internal/service"
	"github.com/yairfalse/cumulus/internal/telemetry"
	"github.com/yairfalse/cumulus/internal/throttle"
)

var version = "0.1.0"

// app is the state shared by every command of one invocation.
type app struct {
	configPath  string
	debug       bool
	output      string
	metricsAddr string
	out         io.Writer

	cfg       *config.Config
	cloud     *service.Cloud
	telemetry *telemetry.Provider
	metrics   *http.Server
}

// run executes one command line and releases everything it opened.
func run(ctx context.Context, args []string, out io.Writer) error {
	a := &app{out: out}
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	err := cmd.ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cumulus",
		Short: "One resource API over several clouds",
		Long: `Cumulus - one resource API over several clouds

Cumulus addresses instances, volumes, networks and friends the same way
on GCE, AWS, Hetzner Cloud and a local simulation: by name, label,
provider ID or self-link.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	cmd.SetVersionTemplate(`Cumulus {{.Version}}
`)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (TOML); defaults to the local provider")
	flags.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	flags.StringVarP(&a.output, "output", "o", "table", "Output format: table, json, yaml")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(
		a.listCmd(),
		a.getCmd(),
		a.findCmd(),
		a.deleteCmd(),
		a.labelCmd(),
		a.createCmd(),
		a.defaultCmd(),
	)
	return cmd
}

// open loads configuration and opens the provider and façades.
func (a *app) open(ctx context.Context) error {
	if !validOutput(a.output) {
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", a.output)
	}

	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	setupLogging(cfg.Log.Level, a.debug)

	if a.metricsAddr != "" {
		cfg.OTEL.Metrics.Prometheus = true
	}
	tp, err := telemetry.NewProvider(ctx, cfg.OTEL, cfg.Provider)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tp
	if a.metricsAddr != "" {
		a.serveMetrics()
	}

	p, err := provider.Open(ctx, cfg)
	if err != nil {
		return err
	}
	cloud, err := service.Open(ctx, p, service.Options{
		Waiter: operation.Policy{
			InitialDelay: cfg.Waiter.InitialDelay,
			MaxDelay:     cfg.Waiter.MaxDelay,
			Multiplier:   cfg.Waiter.Multiplier,
			MaxAttempts:  cfg.Waiter.MaxAttempts,
		},
		Throttle: throttle.New(throttle.Intervals{
			Destructive: cfg.Throttle.Destructive,
			Metadata:    cfg.Throttle.Metadata,
			List:        cfg.Throttle.List,
		}),
		DefaultLimit:      cfg.Paging.DefaultLimit,
		SnapshotCacheSize: cfg.Paging.SnapshotCache,
		Instrumentation:   tp,
	})
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("open %s: %w", p.Name(), err)
	}
	a.cloud = cloud
	log.Debug().Str("provider", p.Name()).Msg("provider open")
	return nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Addr: a.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", a.metricsAddr).Msg("starting metrics server")
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// close releases whatever open managed to set up.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.cloud != nil {
		errs = append(errs, a.cloud.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func setupLogging(level string, debug bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
