// Command ancdb opens a database and serves the framed MessagePack protocol
// on standard input/output or TCP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/ancdb/ancdb/internal/config"
	"github.com/ancdb/ancdb/internal/db"
	"github.com/ancdb/ancdb/internal/executor"
	"github.com/ancdb/ancdb/internal/logger"
	"github.com/ancdb/ancdb/internal/metrics"
	"github.com/ancdb/ancdb/internal/server"
	"github.com/ancdb/ancdb/internal/storage"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ancdb:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "ancdb",
		Short:         "Embedded transactional key-value store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "config file (json, toml or yaml)")
	f.StringP("db-path", "d", "", "storage location")
	f.Bool("stdio", false, "serve the protocol on stdin/stdout")
	f.String("listen", "", "serve the protocol on a TCP address")
	f.String("engine", string(storage.KindBolt), "storage engine: bolt or memory")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(level, cmd.ErrOrStderr())

	if !cfg.Stdio && cfg.Listen == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "ANC-DB CLI v%s (Database: %q)\n", version, cfg.DBPath)
		fmt.Fprintln(cmd.OutOrStdout(), "Currently, only --stdio mode supports full protocol interactions.")
		return nil
	}

	maxFrame, err := cfg.FrameLimit()
	if err != nil {
		return err
	}

	d, err := db.Open(storage.Kind(cfg.Engine), cfg.DBPath, cfg.StorageOptions(), log)
	if err != nil {
		return errors.Wrap(err, "DB open error")
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()

	ex := executor.New(d, log)
	opts := server.Options{MaxFrameSize: maxFrame}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p := pool.New().WithContext(ctx).WithCancelOnError()
	if cfg.MetricsAddr != "" {
		p.Go(func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.MetricsAddr, log)
		})
	}
	if cfg.Listen != "" {
		srv := server.NewServer(ex, opts, log)
		p.Go(func(ctx context.Context) error {
			return srv.ListenAndServe(ctx, cfg.Listen)
		})
	}
	if cfg.Stdio {
		p.Go(func(ctx context.Context) error {
			// The parent closing stdin ends the process.
			defer cancel()
			return server.ServeStdio(ctx, ex, cmd.InOrStdin(), cmd.OutOrStdout(), opts, log)
		})
	}
	return p.Wait()
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "metrics listener on %s", addr)
	}
	return nil
}
