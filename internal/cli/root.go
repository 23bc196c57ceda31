// Package cli implements the entcache command-line interface. Every entity
// command runs through an entitycache.Cache backed by the SQLite store, waits
// for the command's completion and prints the result as JSON.
package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/entitycache/internal/paths"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

const defaultTimeout = 30 * time.Second

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	timeout   time.Duration
	keyField  string
}

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &exitError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func sysError(format string, args ...any) error {
	return &exitError{code: exitSysError, err: fmt.Errorf(format, args...)}
}

// exitCode maps an error returned by the root command to a process exit code.
// Errors raised by cobra itself (unknown flags, wrong arity) are user errors.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUserError
}

// NewRootCmd creates the top-level "entcache" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "entcache",
		Short: "Client-side entity cache over a local SQLite store",
		Long: `entcache drives the entity cache against a local SQLite store.
Entity types are created on first use; records are JSON objects keyed by
the --key-field field.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&f.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&f.dataDir, "data-dir", "", "data directory (default: $(CWD)/"+paths.DefaultDataDirName+")")
	root.PersistentFlags().BoolVar(&f.jsonMode, "json", false, "pretty-print JSON output")
	root.PersistentFlags().DurationVar(&f.timeout, "timeout", defaultTimeout, "how long to wait for a command to complete")
	root.PersistentFlags().StringVar(&f.keyField, "key-field", "id", "entity field holding the primary key")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(f))
	root.AddCommand(newGetCmd(f))
	root.AddCommand(newQueryCmd(f))
	root.AddCommand(newAddCmd(f))
	root.AddCommand(newUpdateCmd(f))
	root.AddCommand(newDeleteCmd(f))

	return root
}

// Execute runs the root command with args and returns the exit code.
func Execute(args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "entcache:", err)
	}
	return exitCode(err)
}
