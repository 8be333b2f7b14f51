package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/pacerhq/pacer/internal/core"
	"github.com/pacerhq/pacer/internal/core/store"
	"github.com/pacerhq/pacer/internal/output"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect and reset persisted limiter snapshots",
}

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored limiter snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolveOutput(cmd)
		if err != nil {
			return err
		}
		query, err := rateLimitQueryFromFlags(cmd)
		if errors.Is(err, errNoSelector) {
			query.All = true
		} else if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		states := make([]*core.RateLimitState, 0, len(entries))
		for i := range entries {
			states = append(states, &entries[i].State)
		}
		return writeStates(cmd, target, "rate-limit.list", "Rate Limits", states)
	},
}

var rateLimitShowCmd = &cobra.Command{
	Use:   "show <endpoint>",
	Short: "Show the stored snapshot for one endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolveOutput(cmd)
		if err != nil {
			return err
		}
		endpoint := strings.TrimSpace(args[0])

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		state, err := db.GetRateLimit(cmd.Context(), endpoint)
		if err != nil {
			return err
		}
		if state == nil {
			return fmt.Errorf("no stored snapshot for %s", endpoint)
		}
		return writeStates(cmd, target, "rate-limit."+endpoint, endpoint, []*core.RateLimitState{state})
	},
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored limiter snapshots",
	Example: `  pacer rate-limit reset --endpoint http://127.0.0.1:8545/rpc
  pacer rate-limit reset --all --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolveOutput(cmd, output.FormatTable, output.FormatJSON)
		if err != nil {
			return err
		}
		query, err := rateLimitQueryFromFlags(cmd)
		if err != nil {
			return err
		}
		yes, _ := cmd.Flags().GetBool("yes")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if query.All && !yes && !dryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		result := resetResult{DryRun: dryRun}
		if result.Matched, err = db.CountRateLimits(cmd.Context(), query); err != nil {
			return err
		}
		if !dryRun {
			if result.Deleted, err = db.ResetRateLimits(cmd.Context(), query); err != nil {
				return err
			}
		}

		sink, err := target.open(cmd, "rate-limit.reset")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()
		return result.write(sink.writer, target.format)
	},
}

var errNoSelector = errors.New("must specify --all, --endpoint, or --prefix")

// rateLimitQueryFromFlags builds a store query from --all, --endpoint and
// --prefix, returning errNoSelector when none is set.
func rateLimitQueryFromFlags(cmd *cobra.Command) (store.RateLimitQuery, error) {
	all, _ := cmd.Flags().GetBool("all")
	query := store.RateLimitQuery{
		All:      all,
		Endpoint: strings.TrimSpace(flagString(cmd, "endpoint")),
		Prefix:   strings.TrimSpace(flagString(cmd, "prefix")),
	}
	if !query.All && query.Endpoint == "" && query.Prefix == "" {
		return query, errNoSelector
	}
	return query, query.Validate()
}

func writeStates(cmd *cobra.Command, target outputTarget, name, title string, states []*core.RateLimitState) error {
	rendered, err := output.NewFormatter(target.format).FormatStates(states)
	if err != nil {
		return err
	}

	sink, err := target.open(cmd, name)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	if target.format == output.FormatTable {
		if _, err := fmt.Fprintln(sink.writer, ascii.DrawBox(title, 0)); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(sink.writer, rendered)
	return err
}

type resetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

func (r resetResult) write(w io.Writer, format output.Format) error {
	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if r.DryRun {
		_, err := fmt.Fprintf(w, "Would delete %d snapshot(s)\n", r.Matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Deleted %d/%d snapshot(s)\n", r.Deleted, r.Matched)
	return err
}

func init() {
	rootCmd.AddCommand(rateLimitCmd)
	rateLimitCmd.AddCommand(rateLimitListCmd, rateLimitShowCmd, rateLimitResetCmd)

	addOutputFlags(rateLimitListCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown)
	rateLimitListCmd.Flags().Bool("all", false, "List all endpoints (default when no filter is set)")
	rateLimitListCmd.Flags().String("endpoint", "", "List a single endpoint (exact match)")
	rateLimitListCmd.Flags().String("prefix", "", "List endpoints with matching prefix")

	addOutputFlags(rateLimitShowCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown)

	addOutputFlags(rateLimitResetCmd, output.FormatTable, output.FormatJSON)
	rateLimitResetCmd.Flags().Bool("all", false, "Reset all endpoints")
	rateLimitResetCmd.Flags().String("endpoint", "", "Reset a single endpoint (exact match)")
	rateLimitResetCmd.Flags().String("prefix", "", "Reset endpoints with matching prefix")
	rateLimitResetCmd.Flags().Bool("yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
}
