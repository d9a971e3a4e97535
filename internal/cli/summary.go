package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"expensedb/internal/core"
)

const dateLayout = "2006-01-02"

// SummaryOptions holds flags for the summary command.
type SummaryOptions struct {
	Database string
	From     string
	To       string
}

// CategoryTotal is one line of a summary report.
type CategoryTotal struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	TotalCents int64  `json:"total_cents"`
	Total      string `json:"total"`
	Count      int    `json:"count"`
}

// SummaryReport aggregates the expenses of a date range.
type SummaryReport struct {
	Database   string          `json:"database"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	TotalCents int64           `json:"total_cents"`
	Total      string          `json:"total"`
	Count      int             `json:"count"`
	Categories []CategoryTotal `json:"categories"`
}

func (r SummaryReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %s to %s: %s in %d expenses\n",
		r.Database, r.From.Format(time.RFC3339), r.To.Format(time.RFC3339), r.Total, r.Count)

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, c := range r.Categories {
		fmt.Fprintf(tw, "%s\t%s\t%d\t\n", c.Name, c.Total, c.Count)
	}
	tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SummaryOptions{}

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Total the expenses of a date range by category",
		Long: `Total the expenses of a date range, overall and per category.

--from and --to take a date (YYYY-MM-DD, whole day, UTC) or an RFC 3339
timestamp. Both bounds are inclusive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database name (default DB_NAME)")
	cmd.Flags().StringVar(&opts.From, "from", "", "first day or instant (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last day or instant (default: now)")
	cmd.MarkFlagRequired("from")

	return cmd
}

// ParseBound reads a range bound. A bare date means the start of that day,
// or its last millisecond when endOfDay is set.
func ParseBound(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Millisecond)
	}
	return d, nil
}

func runSummary(rootOpts *RootOptions, opts *SummaryOptions, cmd *cobra.Command) error {
	f := newFormatter(rootOpts, cmd)

	from, err := ParseBound(opts.From, false)
	if err != nil {
		f.Error(ErrCodeUsage, "invalid --from", err.Error())
		return WrapExitError(ExitCommandError, "invalid --from", err)
	}
	to := time.Now().UTC()
	if opts.To != "" {
		if to, err = ParseBound(opts.To, true); err != nil {
			f.Error(ErrCodeUsage, "invalid --to", err.Error())
			return WrapExitError(ExitCommandError, "invalid --to", err)
		}
	}

	ctx := cmd.Context()
	cfg, s, logger, err := session(ctx, rootOpts, cmd, f)
	if err != nil {
		return err
	}
	defer closeSession(s, logger)

	db := firstNonEmpty(opts.Database, cfg.DBName)
	c := s.Client
	if err := c.Initialize(ctx, db); err != nil {
		return f.RequestError(err)
	}

	rng, err := c.ExpensesInRange(ctx, from, to)
	if err != nil {
		return f.RequestError(err)
	}
	all, err := c.Categories(ctx)
	if err != nil {
		return f.RequestError(err)
	}
	names := make(map[int64]string, len(all))
	for _, cat := range all {
		names[cat.ID] = cat.Name
	}

	sum := core.Summarize(rng.List)
	report := SummaryReport{
		Database:   db,
		From:       rng.Begin,
		To:         rng.End,
		TotalCents: sum.Total.Cents,
		Total:      sum.Total.String(),
		Count:      sum.Count,
		Categories: make([]CategoryTotal, 0, len(sum.ByCategory)),
	}
	for _, ca := range sum.ByCategory {
		name, ok := names[ca.Category]
		if !ok {
			// expenses keep ids of deleted categories
			name = fmt.Sprintf("#%d (deleted)", ca.Category)
		}
		report.Categories = append(report.Categories, CategoryTotal{
			ID:         ca.Category,
			Name:       name,
			TotalCents: ca.Amount.Cents,
			Total:      ca.Amount.String(),
			Count:      ca.Count,
		})
	}

	return f.Success(report)
}
