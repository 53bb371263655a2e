package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"omnipost/internal/app"
	"omnipost/internal/config"
	"omnipost/internal/entity"
	"omnipost/internal/kv"
	"omnipost/internal/observability"
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	ConfigPath string
	Format     string
	cfg        config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "omnipost",
		Short:         "OmniPost API server and store administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file (default $OMNIPOST_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newProfilesCommand(opts))
	cmd.AddCommand(newAPIKeysCommand(opts))
	cmd.AddCommand(newRepairCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openService opens the configured backend and binds the service to it.
// The returned func releases the service and closes the backend.
func (o *rootOptions) openService(ctx context.Context, cmd *cobra.Command, storeOpts ...entity.Option) (*app.Service, func() error, error) {
	backend, err := kv.Open(ctx, o.cfg.KVOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", o.cfg.Storage.Driver, err)
	}
	logger := o.cfg.Logger(cmd.ErrOrStderr())
	storeOpts = append([]entity.Option{entity.WithRetryPolicy(o.cfg.RetryPolicy())}, storeOpts...)
	if o.cfg.Log.Trace {
		storeOpts = append(storeOpts, entity.WithTracer(observability.NewJSONTracer(cmd.ErrOrStderr())))
	}
	svc, err := app.NewService(backend, app.WithLogger(logger), app.WithStoreOptions(storeOpts...))
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		return errors.Join(svc.Close(), backend.Close())
	}
	return svc, closeFn, nil
}

// withService runs fn against a freshly opened service and closes the
// backend afterwards.
func (o *rootOptions) withService(cmd *cobra.Command, fn func(context.Context, *app.Service) error) (err error) {
	ctx := cmd.Context()
	svc, closeFn, err := o.openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	}()
	return fn(ctx, svc)
}

func (o *rootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{format: o.Format, w: cmd.OutOrStdout()}
}
