// Package warm provides the warm command, which prefetches image URLs into
// the disk cache.
package warm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/feedimages/internal/app"
	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/conf"
	"github.com/tphakala/feedimages/internal/imagepipeline"
	"github.com/tphakala/feedimages/internal/logger"
)

// Options are the warm command flags.
type Options struct {
	File   string
	Width  int
	Height int
	Scale  float64
	Jobs   int
}

// Summary counts outcomes by source.
type Summary struct {
	mu       sync.Mutex
	BySource map[imagepipeline.Source]int
	Failed   []string
}

func (s *Summary) add(url string, res imagepipeline.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BySource == nil {
		s.BySource = make(map[imagepipeline.Source]int)
	}
	if res.Placeholder {
		s.BySource[imagepipeline.SourceFailed]++
		s.Failed = append(s.Failed, url)
		return
	}
	s.BySource[res.Source]++
}

// Command creates the warm command.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	opts := Options{}

	cmd := &cobra.Command{
		Use:   "warm [url...]",
		Short: "Prefetch images into the cache",
		Long: `Warm downloads each URL through the image pipeline so later loads are served
from disk. URLs come from the arguments or, with --file, one per line ("-" reads stdin).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, err := collectURLs(args, opts.File, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs given")
			}

			a, err := app.New(cmd.Context(), settings, build, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := Run(cmd.Context(), a.Service, urls, opts)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), len(urls), sum)
			if len(sum.Failed) > 0 {
				return fmt.Errorf("%d of %d images failed", len(sum.Failed), len(urls))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Read URLs from a file, one per line")
	cmd.Flags().IntVar(&opts.Width, "width", 400, "Target width in points")
	cmd.Flags().IntVar(&opts.Height, "height", 300, "Target height in points")
	cmd.Flags().Float64Var(&opts.Scale, "scale", 1, "Device scale factor")
	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "j", 4, "Concurrent fetches")
	return cmd
}

// Fetcher is the part of the pipeline warm needs.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w, h int, scale float64) (imagepipeline.Result, error)
}

// Run fetches every URL with at most opts.Jobs in flight. Per-image failures
// are recorded in the summary; only cancellation aborts the run.
func Run(ctx context.Context, f Fetcher, urls []string, opts Options) (*Summary, error) {
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	log := logger.Global().Module("warm")
	sum := &Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)
	for _, url := range urls {
		g.Go(func() error {
			res, err := f.Fetch(gctx, url, opts.Width, opts.Height, opts.Scale)
			if err != nil {
				return err
			}
			if res.Placeholder {
				log.Warn("image failed", logger.String("url", url), logger.Error(res.Err))
			}
			sum.add(url, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, nil
}

func collectURLs(args []string, file string, stdin io.Reader) ([]string, error) {
	urls := append([]string(nil), args...)
	if file == "" {
		return urls, nil
	}

	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open url list: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	fromFile, err := readURLs(r)
	if err != nil {
		return nil, err
	}
	return append(urls, fromFile...), nil
}

// readURLs reads one URL per line, skipping blanks and # comments.
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}

func printSummary(w io.Writer, total int, sum *Summary) {
	_, _ = fmt.Fprintf(w, "Warmed %d images\n", total)
	for _, src := range []imagepipeline.Source{
		imagepipeline.SourceMemory,
		imagepipeline.SourceDisk,
		imagepipeline.SourceRevalidated,
		imagepipeline.SourceNetwork,
		imagepipeline.SourceFailed,
	} {
		if n := sum.BySource[src]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %-12s %d\n", src.String()+":", n)
		}
	}
	for _, url := range sum.Failed {
		_, _ = fmt.Fprintf(w, "  failed: %s\n", url)
	}
}
