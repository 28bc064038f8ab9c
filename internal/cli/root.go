package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"donguatv/searchservice/internal/app"
	"donguatv/searchservice/internal/domain"
)

type Options struct {
	Verbose bool
	// Config overrides the environment; nil means app.LoadConfig().
	Config *app.Config
}

// state builds the runtime on first use so `--help` never touches the
// cache or the registry.
type state struct {
	opts    Options
	runtime *app.Runtime
	logger  *slog.Logger
}

func (s *state) get(ctx context.Context, stderr io.Writer) *app.Runtime {
	if s.runtime != nil {
		return s.runtime
	}
	cfg := app.LoadConfig()
	if s.opts.Config != nil {
		cfg = *s.opts.Config
	}
	level := slog.LevelWarn
	if s.opts.Verbose {
		level = slog.LevelDebug
	}
	s.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	s.runtime = app.Build(ctx, cfg, s.logger)
	return s.runtime
}

func (s *state) close() {
	if s.runtime != nil {
		_ = s.runtime.Close()
	}
}

// NewRootCmd creates the vodctl command tree.
func NewRootCmd(opts Options) *cobra.Command {
	st := &state{opts: opts}
	root := &cobra.Command{
		Use:           "vodctl",
		Short:         "Operate the VOD search aggregator from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			st.close()
		},
	}
	root.PersistentFlags().BoolVarP(&st.opts.Verbose, "verbose", "v", opts.Verbose, "log at debug level to stderr")

	root.AddCommand(
		newSearchCommand(st),
		newKeywordsCommand(st),
		newSitesCommand(st),
		newCacheCommand(st),
	)
	return root
}

func newSearchCommand(st *state) *cobra.Command {
	var original string
	var noSmart, asJSON bool
	var site string
	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search every configured site and print results as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := st.get(ctx, cmd.ErrOrStderr())
			keyword := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if site != "" {
				items, err := rt.Search.SearchSite(ctx, site, keyword)
				if err != nil {
					return err
				}
				return printItems(out, items, asJSON)
			}

			ch, err := rt.Search.SearchStream(ctx, domain.SearchRequest{
				Query:         keyword,
				OriginalTitle: original,
				Smart:         !noSmart,
			})
			if err != nil {
				return err
			}
			total := 0
			for slice := range ch {
				total += len(slice.Items)
				if err := printItems(out, slice.Items, asJSON); err != nil {
					return err
				}
			}
			if !asJSON {
				fmt.Fprintf(out, "%d results\n", total)
			}
			return ctx.Err()
		},
	}
	cmd.Flags().StringVar(&original, "original", "", "original (foreign) title to search as well")
	cmd.Flags().BoolVar(&noSmart, "no-smart", false, "search the keyword only, without variants")
	cmd.Flags().StringVar(&site, "site", "", "query a single site by key")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON array per site")
	return cmd
}

func printItems(w io.Writer, items []domain.SearchItem, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(items)
	}
	for _, item := range items {
		line := fmt.Sprintf("[%s] %s", item.SiteName, item.Title)
		if item.Year != "" {
			line += " (" + string(item.Year) + ")"
		}
		if item.Remarks != "" {
			line += " - " + item.Remarks
		}
		fmt.Fprintf(w, "%s  id=%s\n", line, item.ID)
	}
	return nil
}

func newKeywordsCommand(st *state) *cobra.Command {
	var original string
	var noSmart bool
	cmd := &cobra.Command{
		Use:   "keywords <keyword>",
		Short: "Show the keyword variants a search would use",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := st.get(cmd.Context(), cmd.ErrOrStderr())
			keywords, err := rt.Search.Keywords(cmd.Context(), domain.SearchRequest{
				Query:         strings.Join(args, " "),
				OriginalTitle: original,
				Smart:         !noSmart,
			})
			if err != nil {
				return err
			}
			for _, keyword := range keywords {
				fmt.Fprintln(cmd.OutOrStdout(), keyword)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&original, "original", "", "original (foreign) title")
	cmd.Flags().BoolVar(&noSmart, "no-smart", false, "disable variant expansion")
	return cmd
}

func newSitesCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List the configured sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := st.get(cmd.Context(), cmd.ErrOrStderr())
			sites, err := rt.Search.Sites(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, site := range sites {
				fmt.Fprintf(out, "%-16s %-24s %s\n", site.Key, site.Name, site.API)
			}
			return nil
		},
	}
}

func newCacheCommand(st *state) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the response cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := st.get(cmd.Context(), cmd.ErrOrStderr())
			removed := rt.Cache.Cleanup(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries from %s cache\n", removed, rt.Cache.BackendName())
			return nil
		},
	})
	return cacheCmd
}
