// Package stats provides the stats command.
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/feedimages/internal/app"
	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/diskcache"
)

// Report is the stats command output.
type Report struct {
	Dir    string                  `json:"dir"`
	Stats  diskcache.Stats         `json:"stats"`
	Recent []diskcache.ImageRecord `json:"recent,omitempty"`
}

// Command creates the stats command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		limit  int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show disk cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := app.OpenDisk(settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rep, err := Collect(store, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return Print(cmd.OutOrStdout(), rep)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of recently used images to list (0 for none)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// Collect gathers the report from store.
func Collect(store *diskcache.Store, limit int) (*Report, error) {
	st, err := store.Stats()
	if err != nil {
		return nil, err
	}
	rep := &Report{Dir: store.Dir(), Stats: st}
	if limit > 0 {
		if rep.Recent, err = store.Recent(limit); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// Print writes a human readable report.
func Print(w io.Writer, rep *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Cache directory:\t%s\n", rep.Dir)
	_, _ = fmt.Fprintf(tw, "Images:\t%d\n", rep.Stats.Images)
	_, _ = fmt.Fprintf(tw, "Size:\t%s\n", formatBytes(rep.Stats.Bytes))
	_, _ = fmt.Fprintf(tw, "Viewed URLs:\t%d\n", rep.Stats.Viewed)
	if rep.Stats.Images > 0 {
		_, _ = fmt.Fprintf(tw, "Oldest access:\t%s\n", rep.Stats.OldestAccess.Format(time.DateTime))
		_, _ = fmt.Fprintf(tw, "Newest access:\t%s\n", rep.Stats.NewestAccess.Format(time.DateTime))
	}

	if len(rep.Recent) > 0 {
		_, _ = fmt.Fprintf(tw, "\nLAST ACCESS\tSIZE\tURL\n")
		for i := range rep.Recent {
			r := &rep.Recent[i]
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.LastAccess.Format(time.DateTime), formatBytes(r.Size), r.URL)
		}
	}
	return tw.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
