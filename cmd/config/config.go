// Package config provides commands that inspect the effective configuration.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/feedimages/internal/conf"
)

// Command creates the config command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := settings.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file in use and the search locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if settings.ConfigFile != "" {
				_, _ = fmt.Fprintf(w, "Using: %s\n", settings.ConfigFile)
			} else {
				_, _ = fmt.Fprintln(w, "Using: built-in defaults")
			}
			paths, err := conf.GetDefaultConfigPaths()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(w, "Search path:")
			for _, p := range paths {
				_, _ = fmt.Fprintf(w, "  %s\n", p)
			}
			return nil
		},
	})

	return cmd
}
