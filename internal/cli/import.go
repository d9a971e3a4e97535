package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"expensedb/internal/client"
	"expensedb/internal/core"
	"expensedb/internal/log"
)

// ImportFile is the YAML document read by the import command.
//
//	database: household
//	categories:
//	  - name: Food
//	    color: "#FF0000"
//	expenses:
//	  - amount: "12,50"
//	    datetime: 2024-05-01T12:30:00+02:00
//	    category: Food
//	    description: Lunch
type ImportFile struct {
	Database   string           `yaml:"database"`
	Categories []ImportCategory `yaml:"categories"`
	Expenses   []ImportExpense  `yaml:"expenses"`
}

type ImportCategory struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// ImportExpense takes a decimal amount and a category name; both are
// resolved before sending.
type ImportExpense struct {
	Amount      string    `yaml:"amount"`
	Datetime    time.Time `yaml:"datetime"`
	Category    string    `yaml:"category"`
	Description string    `yaml:"description"`
}

// ImportResult summarizes what the import command did.
type ImportResult struct {
	Database          string   `json:"database"`
	CategoriesAdded   int      `json:"categories_added"`
	CategoriesSkipped int      `json:"categories_skipped"`
	ExpensesAdded     int      `json:"expenses_added"`
	Errors            []string `json:"errors,omitempty"`
}

func (r ImportResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Imported into %s: %d categories (%d already present), %d expenses",
		r.Database, r.CategoriesAdded, r.CategoriesSkipped, r.ExpensesAdded)
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  - %s", e)
	}
	return b.String()
}

// ParseImportFile decodes and checks an import document. Amounts are
// converted to cents here so a bad file fails before anything is written.
func ParseImportFile(data []byte) (*ImportFile, []int64, error) {
	var file ImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse YAML: %w", err)
	}

	var problems []string
	for i, c := range file.Categories {
		if err := (core.Category{Name: c.Name, Color: c.Color}).Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("categories[%d]: %v", i, err))
		}
	}

	cents := make([]int64, len(file.Expenses))
	for i, e := range file.Expenses {
		amount, err := core.ParseDecimalToCents(e.Amount)
		if err != nil {
			problems = append(problems, fmt.Sprintf("expenses[%d]: amount %q: %v", i, e.Amount, err))
		}
		cents[i] = amount
		if e.Datetime.IsZero() {
			problems = append(problems, fmt.Sprintf("expenses[%d]: %v", i, core.ErrZeroDatetime))
		}
		if strings.TrimSpace(e.Category) == "" {
			problems = append(problems, fmt.Sprintf("expenses[%d]: %v", i, core.ErrEmptyName))
		}
	}

	if len(problems) > 0 {
		return nil, nil, fmt.Errorf("invalid import file:\n- %s", strings.Join(problems, "\n- "))
	}
	return &file, cents, nil
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	Database string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{}

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load categories and expenses from a YAML file",
		Long: `Load categories and expenses from a YAML file.

Categories that already exist (same name or color) are skipped. Expenses name
their category; the name must exist after the categories are loaded. Amounts
are decimal strings, with '.' or ',' as separator.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database name (default: file's database, then DB_NAME)")

	return cmd
}

func runImport(rootOpts *RootOptions, opts *ImportOptions, cmd *cobra.Command, path string) error {
	f := newFormatter(rootOpts, cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		f.Error(ErrCodeImport, "cannot read import file", err.Error())
		return WrapExitError(ExitCommandError, "read import file", err)
	}
	file, cents, err := ParseImportFile(data)
	if err != nil {
		f.Error(ErrCodeImport, "invalid import file", err.Error())
		return WrapExitError(ExitCommandError, "parse import file", err)
	}

	ctx := cmd.Context()
	cfg, s, logger, err := session(ctx, rootOpts, cmd, f)
	if err != nil {
		return err
	}
	defer closeSession(s, logger)

	db := firstNonEmpty(opts.Database, file.Database, cfg.DBName)
	if err := s.Client.Initialize(ctx, db); err != nil {
		return f.RequestError(err)
	}

	res := ImportResult{Database: db}
	c := s.Client

	for _, ic := range file.Categories {
		_, err := c.AddCategory(ctx, core.Category{Name: ic.Name, Color: ic.Color})
		switch {
		case errors.Is(err, core.ErrDuplicate):
			res.CategoriesSkipped++
			f.VerboseLog("Category %q already present", ic.Name)
		case err != nil:
			return f.RequestError(err)
		default:
			res.CategoriesAdded++
		}
	}

	byName, err := categoryIDs(ctx, c)
	if err != nil {
		return f.RequestError(err)
	}

	for i, ie := range file.Expenses {
		catID, ok := byName[core.Category{Name: ie.Category}.Normalize().Name]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("expenses[%d]: unknown category %q", i, ie.Category))
			continue
		}
		id, err := c.AddExpense(ctx, core.Expense{
			Amount:      core.Money{Cents: cents[i]},
			Datetime:    ie.Datetime,
			Category:    catID,
			Description: ie.Description,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("expenses[%d]: %s", i, client.Describe(err)))
			continue
		}
		res.ExpensesAdded++
		fields := log.NewFields().
			WithOperation(log.OpImport).
			WithExpense(cents[i], catID)
		fields[log.FieldEntityID] = id
		logger.Debug("Expense imported", fields.ToSlice()...)
	}

	if err := f.Success(res); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d expenses not imported", len(res.Errors)))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// categoryIDs maps category names to ids.
func categoryIDs(ctx context.Context, c *client.Client) (map[string]int64, error) {
	all, err := c.Categories(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(all))
	for _, cat := range all {
		byName[cat.Name] = cat.ID
	}
	return byName, nil
}
