package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"omnipost/internal/app"
)

func newRepairCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Drop index entries whose records are missing and report unindexed records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *app.Service) error {
				reports, err := svc.Repair(ctx)
				if err != nil {
					return err
				}
				return opts.printer(cmd).print(reports, func(w io.Writer) error {
					kinds := make([]string, 0, len(reports))
					for k := range reports {
						kinds = append(kinds, k)
					}
					sort.Strings(kinds)
					for _, k := range kinds {
						r := reports[k]
						if _, err := fmt.Fprintf(w, "%s: checked %d, dropped %d, orphans %d\n", k, r.Checked, len(r.Dropped), len(r.Orphans)); err != nil {
							return err
						}
						if len(r.Dropped) > 0 {
							if _, err := fmt.Fprintf(w, "  dropped: %s\n", strings.Join(r.Dropped, ", ")); err != nil {
								return err
							}
						}
						if len(r.Orphans) > 0 {
							if _, err := fmt.Fprintf(w, "  orphans: %s\n", strings.Join(r.Orphans, ", ")); err != nil {
								return err
							}
						}
					}
					return nil
				})
			})
		},
	}
}
