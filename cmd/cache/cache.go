// Package cache provides commands that manage the on-disk image cache.
package cache

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/feedimages/internal/app"
	"github.com/tphakala/feedimages/internal/conf"
)

// Command creates the cache command and its subcommands.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the image cache",
	}
	cmd.AddCommand(clearCommand(settings), pathCommand(settings))
	return cmd
}

func clearCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all cached images",
		Long:  `Clear deletes every cached image and its metadata. Viewed state is kept.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenDisk(settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			before, err := store.Stats()
			if err != nil {
				return err
			}
			if err := store.ClearImages(); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d images from %s\n", before.Images, store.Dir())
			return nil
		},
	}
}

func pathCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), settings.ImageCache.Dir)
		},
	}
}
