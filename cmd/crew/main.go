package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// cfgFile is the --config override shared by all commands.
var cfgFile string

// exitError carries a process exit code through cobra. Initialization
// failures exit 1, runtime fatals exit 2.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func initFailure(err error) error    { return &exitError{code: 1, err: err} }
func runtimeFailure(err error) error { return &exitError{code: 2, err: err} }

func main() {
	rootCmd := &cobra.Command{
		Use:           "crew",
		Short:         "An AI developer team for your project board",
		Long:          `Crew reconciles a project board against a pool of AI developer workers: new tasks are implemented in isolated git worktrees, review feedback is addressed, and approved pull requests are merged.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.crew/config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newForceSyncCmd(),
		newShutdownCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}
