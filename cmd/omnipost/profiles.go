package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"omnipost/internal/app"
	"omnipost/internal/entity"
)

type pageFlags struct {
	cursor string
	limit  int
	all    bool
}

func (f *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.cursor, "cursor", "", "continue after this cursor")
	cmd.Flags().IntVar(&f.limit, "limit", 0, fmt.Sprintf("page size (default %d, max %d)", entity.DefaultPageLimit, entity.MaxPageLimit))
	cmd.Flags().BoolVar(&f.all, "all", false, "follow cursors until the last page")
}

// collect fetches one page, or every page from the cursor on when all is set.
func collect[T any](ctx context.Context, f pageFlags, list func(context.Context, string, int) (entity.Page[T], error)) (entity.Page[T], error) {
	page, err := list(ctx, f.cursor, f.limit)
	if err != nil || !f.all {
		return page, err
	}
	items := page.Items
	for page.Next != "" {
		if page, err = list(ctx, page.Next, f.limit); err != nil {
			return entity.Page[T]{}, err
		}
		items = append(items, page.Items...)
	}
	return entity.Page[T]{Items: items}, nil
}

func newProfilesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage publishing profiles",
	}
	cmd.AddCommand(newProfilesListCommand(opts))
	cmd.AddCommand(newProfilesCreateCommand(opts))
	cmd.AddCommand(newProfilesAccountsCommand(opts))
	cmd.AddCommand(newProfilesDeleteCommand(opts))
	return cmd
}

func newProfilesListCommand(opts *rootOptions) *cobra.Command {
	var pf pageFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				page, err := collect(ctx, pf, svc.ListProfiles)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(page, func(w io.Writer) error {
					rows := make([][]any, 0, len(page.Items))
					for _, p := range page.Items {
						rows = append(rows, []any{p.ID, p.Name, len(p.ConnectedAccounts), p.CreatedAt})
					}
					if err := table(w, []any{"ID", "NAME", "ACCOUNTS", "CREATED"}, rows); err != nil {
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

func printNext(w io.Writer, next string) error {
	if next == "" {
		return nil
	}
	_, err := fmt.Fprintf(w, "next cursor: %s\n", next)
	return err
}

func newProfilesCreateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				p, err := svc.CreateProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(p, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "created profile %s (%s)\n", p.ID, p.Name)
					return err
				})
			})
		},
	}
}

// parseAccount reads "platform:username" or "platform:username:id".
func parseAccount(raw string) (app.ConnectedAccount, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return app.ConnectedAccount{}, fmt.Errorf("invalid account %q: want platform:username[:id]", raw)
	}
	acc := app.ConnectedAccount{Platform: app.SocialPlatform(strings.ToLower(parts[0])), Username: parts[1]}
	if len(parts) == 3 {
		acc.ID = parts[2]
	} else {
		acc.ID = string(acc.Platform) + "-" + acc.Username
	}
	return acc, nil
}

func newProfilesAccountsCommand(opts *rootOptions) *cobra.Command {
	var raw []string
	cmd := &cobra.Command{
		Use:   "accounts <id>",
		Short: "Replace the connected accounts of a profile",
		Long:  "Replace the connected accounts of a profile. Pass --account once per account; no --account clears them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts := make([]app.ConnectedAccount, 0, len(raw))
			for _, r := range raw {
				acc, err := parseAccount(r)
				if err != nil {
					return err
				}
				accounts = append(accounts, acc)
			}
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				p, err := svc.UpdateProfileAccounts(ctx, args[0], accounts)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(p, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "profile %s now has %d connected account(s)\n", p.ID, len(p.ConnectedAccounts))
					return err
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&raw, "account", nil, "connected account as platform:username[:id]")
	return cmd
}

func newProfilesDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				res, err := svc.DeleteProfile(ctx, args[0])
				if err != nil {
					return err
				}
				return printDeleted(opts.printer(cmd), "profile", res)
			})
		},
	}
}

func printDeleted(p *printer, what string, res app.DeleteResult) error {
	return p.print(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "deleted %s %s\n", what, res.ID)
		return err
	})
}
