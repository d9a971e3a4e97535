package main

import (
	"errors"
	"fmt"
	"os"

	"expensedb/internal/cli"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// commands report their own failures as ExitError; cobra's usage
		// errors reach here unprinted
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
