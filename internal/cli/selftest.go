package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"expensedb/internal/client"
	"expensedb/internal/core"
	"expensedb/internal/dispatcher"
	"expensedb/internal/worker"
)

// StepResult is the outcome of one selftest step.
type StepResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// SelftestResult is the outcome of the whole selftest.
type SelftestResult struct {
	Passed   bool         `json:"passed"`
	Steps    []StepResult `json:"steps"`
	Duration string       `json:"duration"`
}

func (r SelftestResult) String() string {
	var b strings.Builder
	for _, s := range r.Steps {
		mark := "PASS"
		if !s.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "%s  %s", mark, s.Name)
		if s.Error != "" {
			fmt.Fprintf(&b, ": %s", s.Error)
		}
		b.WriteByte('\n')
	}
	status := "ok"
	if !r.Passed {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "selftest %s in %s", status, r.Duration)
	return b.String()
}

// NewSelftestCommand creates the selftest command.
func NewSelftestCommand(rootOpts *RootOptions) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run a smoke scenario against a throwaway in-process worker",
		Long: `Run a smoke scenario against a throwaway in-process worker.

The worker stores its database in a temporary directory, so the configured
data directory and transport are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(rootOpts, cmd, keep)
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "keep the temporary data directory")

	return cmd
}

func runSelftest(rootOpts *RootOptions, cmd *cobra.Command, keep bool) error {
	f := newFormatter(rootOpts, cmd)
	level := "warn"
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		level = lvl
	}
	logger := commandLogger(rootOpts, cmd, level)

	dir, err := os.MkdirTemp("", "expensedb-selftest-")
	if err != nil {
		f.Error(ErrCodeUsage, "cannot create temporary directory", err.Error())
		return WrapExitError(ExitCommandError, "selftest setup", err)
	}
	if keep {
		f.VerboseLog("Keeping data directory %s", dir)
	} else {
		defer os.RemoveAll(dir)
	}

	ctx := cmd.Context()
	host, w, err := worker.Spawn(ctx, dispatcher.Options{DataDir: dir, Logger: logger}, 0)
	if err != nil {
		f.Error(ErrCodeTransport, "cannot start worker", err.Error())
		return WrapExitError(ExitCommandError, "selftest setup", err)
	}
	s := &Session{Client: client.New(host, client.Options{Logger: logger}), worker: w}
	defer closeSession(s, logger)

	start := time.Now()
	steps := RunSelftest(ctx, s.Client)
	res := SelftestResult{Passed: true, Steps: steps, Duration: time.Since(start).Round(time.Millisecond).String()}
	for _, st := range steps {
		if !st.Passed {
			res.Passed = false
		}
	}

	if err := f.Success(res); err != nil {
		return err
	}
	if !res.Passed {
		return NewExitError(ExitFailure, "selftest failed")
	}
	return nil
}

// RunSelftest drives c through the smoke scenario on a database named t1.
// Later steps still run after a failure so the report is complete.
func RunSelftest(ctx context.Context, c *client.Client) []StepResult {
	var results []StepResult
	step := func(name string, fn func() error) {
		r := StepResult{Name: name, Passed: true}
		if err := fn(); err != nil {
			r.Passed = false
			r.Error = err.Error()
		}
		results = append(results, r)
	}

	const db = "t1"
	food := core.Category{Name: "Food", Color: "#FF0000"}

	step("initialize t1", func() error {
		return c.Initialize(ctx, db)
	})

	step("add category Food gets id 1", func() error {
		id, err := c.AddCategory(ctx, food)
		if err != nil {
			return err
		}
		if id != 1 {
			return fmt.Errorf("got id %d", id)
		}
		return nil
	})

	step("get category 1 round trips", func() error {
		got, found, err := c.GetCategory(ctx, 1)
		if err != nil {
			return err
		}
		want := food
		want.ID = 1
		if !found || got != want {
			return fmt.Errorf("got %+v, found=%v", got, found)
		}
		return nil
	})

	step("duplicate name is rejected", func() error {
		_, err := c.AddCategory(ctx, core.Category{Name: "Food", Color: "#00FF00"})
		if !errors.Is(err, core.ErrDuplicate) {
			return fmt.Errorf("want duplicate-constraint, got %v", err)
		}
		all, err := c.Categories(ctx)
		if err != nil {
			return err
		}
		if len(all) != 1 {
			return fmt.Errorf("row count changed to %d", len(all))
		}
		return nil
	})

	step("concurrent adds keep every insert", func() error {
		const n = 20
		ids := make([]int64, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = c.AddCategory(ctx, core.Category{
					Name:  fmt.Sprintf("concurrent-%02d", i),
					Color: fmt.Sprintf("#C0%04X", i),
				})
			}(i)
		}
		wg.Wait()
		seen := make(map[int64]bool, n)
		for i := 0; i < n; i++ {
			if errs[i] != nil {
				return errs[i]
			}
			if seen[ids[i]] {
				return fmt.Errorf("id %d returned twice", ids[i])
			}
			seen[ids[i]] = true
		}
		return nil
	})

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	var expenseID int64

	step("update replaces the whole expense", func() error {
		id, err := c.AddExpense(ctx, core.Expense{
			Amount:      core.Money{Cents: 1000},
			Datetime:    base,
			Category:    1,
			Description: "groceries",
		})
		if err != nil {
			return err
		}
		expenseID = id
		if _, err := c.UpdateExpense(ctx, core.Expense{
			ID:          id,
			Amount:      core.Money{Cents: 1100},
			Datetime:    base,
			Category:    1,
			Description: "groceries",
		}); err != nil {
			return err
		}
		got, found, err := c.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		if !found || got.Amount.Cents != 1100 || got.Description != "groceries" || !got.Datetime.Equal(base) {
			return fmt.Errorf("got %+v", got)
		}
		return nil
	})

	step("range query is inclusive and ordered", func() error {
		for _, offset := range []time.Duration{-time.Hour, time.Hour, 2 * time.Hour} {
			if _, err := c.AddExpense(ctx, core.Expense{Amount: core.Money{Cents: 1}, Datetime: base.Add(offset), Category: 2}); err != nil {
				return err
			}
		}
		res, err := c.ExpensesInRange(ctx, base, base.Add(time.Hour))
		if err != nil {
			return err
		}
		if len(res.List) != 2 || !res.List[0].Datetime.Equal(base) || !res.List[1].Datetime.Equal(base.Add(time.Hour)) {
			return fmt.Errorf("got %d expenses", len(res.List))
		}
		return nil
	})

	step("count by category", func() error {
		n, err := c.CountByCategory(ctx, 2)
		if err != nil {
			return err
		}
		if n != 3 {
			return fmt.Errorf("got %d, want 3", n)
		}
		return nil
	})

	step("delete then get is not found", func() error {
		if _, err := c.DeleteExpense(ctx, expenseID); err != nil {
			return err
		}
		_, found, err := c.GetExpense(ctx, expenseID)
		if err != nil {
			return err
		}
		if found {
			return errors.New("expense still present")
		}
		if _, err := c.DeleteExpense(ctx, expenseID); err != nil {
			return fmt.Errorf("second delete: %w", err)
		}
		return nil
	})

	step("attachment round trip", func() error {
		payload := []byte("receipt")
		id, err := c.AddAttachment(ctx, core.Attachment{Mime: "text/plain", Payload: payload})
		if err != nil {
			return err
		}
		got, found, err := c.GetAttachment(ctx, id)
		if err != nil {
			return err
		}
		if !found || string(got.Payload) != string(payload) {
			return fmt.Errorf("got %+v", got)
		}
		return nil
	})

	step("drop then initialize is empty", func() error {
		if err := c.Drop(ctx, db); err != nil {
			return err
		}
		if err := c.Initialize(ctx, db); err != nil {
			return err
		}
		all, err := c.Categories(ctx)
		if err != nil {
			return err
		}
		if len(all) != 0 {
			return fmt.Errorf("%d categories survived the drop", len(all))
		}
		return nil
	})

	return results
}
