package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"omnipost/internal/app"
)

func newAPIKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apikeys",
		Aliases: []string{"api-keys"},
		Short:   "Manage upload API keys",
	}
	cmd.AddCommand(newAPIKeysListCommand(opts))
	cmd.AddCommand(newAPIKeysCreateCommand(opts))
	cmd.AddCommand(newAPIKeysDeleteCommand(opts))
	return cmd
}

func lastUsed(k app.APIKey) string {
	if k.LastUsed == nil {
		return "never"
	}
	return *k.LastUsed
}

func newAPIKeysListCommand(opts *rootOptions) *cobra.Command {
	var pf pageFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				page, err := collect(ctx, pf, svc.ListAPIKeys)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(page, func(w io.Writer) error {
					rows := make([][]any, 0, len(page.Items))
					for _, k := range page.Items {
						rows = append(rows, []any{k.ID, k.Key, k.CreatedAt, lastUsed(k)})
					}
					if err := table(w, []any{"ID", "KEY", "CREATED", "LAST USED"}, rows); err != nil {
						return err
					}
					return printNext(w, page.Next)
				})
			})
		},
	}
	pf.register(cmd)
	return cmd
}

func newAPIKeysCreateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				k, err := svc.CreateAPIKey(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(k, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "created api key %s\n%s\n", k.ID, k.Key)
					return err
				})
			})
		},
	}
}

func newAPIKeysDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				res, err := svc.DeleteAPIKey(ctx, args[0])
				if err != nil {
					return err
				}
				return printDeleted(opts.printer(cmd), "api key", res)
			})
		},
	}
}
