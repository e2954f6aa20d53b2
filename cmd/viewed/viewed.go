// Package viewed provides commands for the persistent viewed state.
package viewed

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/feedimages/internal/app"
	"github.com/tphakala/feedimages/internal/conf"
)

// Command creates the viewed command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "viewed",
		Short: "Mark or query viewed URLs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "mark <url>...",
		Short: "Mark URLs as viewed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenDisk(settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			for _, url := range args {
				if err := store.MarkViewed(url); err != nil {
					return fmt.Errorf("mark %s: %w", url, err)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <url>...",
		Short: "Print whether each URL was viewed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenDisk(settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			for _, url := range args {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%t\t%s\n", store.IsViewed(url), url)
			}
			return nil
		},
	})

	return cmd
}
