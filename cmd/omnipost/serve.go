package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"omnipost/internal/adapters/httpapi"
	"omnipost/internal/entity"
	"omnipost/internal/observability"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, cmd *cobra.Command) (err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promRec, err := observability.NewPrometheusRecorder(reg)
	if err != nil {
		return fmt.Errorf("register store metrics: %w", err)
	}
	recorder := observability.MultiRecorder{promRec, observability.NewExpvarRecorder("")}

	svc, closeFn, err := opts.openService(ctx, cmd, entity.WithRecorder(recorder))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()

	logger := opts.cfg.Logger(cmd.ErrOrStderr())
	handler, err := httpapi.NewHandler(svc, httpapi.Options{Logger: logger, Registry: reg})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	logger.Info("starting omnipost", "driver", opts.cfg.Storage.Driver, "addr", opts.cfg.Server.Addr)
	return httpapi.NewServer(opts.cfg.Server.Addr, handler, logger).Run(ctx)
}
