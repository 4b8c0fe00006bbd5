// Package cli implements the modx command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	modxcache "github.com/dgduncan/modx-cache"
	"github.com/dgduncan/modx-cache/internal/config"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitUsageError   = 2
)

// flags holds the persistent flags shared by every command.
type flags struct {
	configPath string
	backend    string
	logLevel   string
	logFormat  string
	telemetry  string
	prefix     string
	redisURL   string
	pgDSN      string
	ddbTable   string
}

// overrides returns the flags in the form config.Load expects. Unset flags
// are empty and therefore ignored.
func (f *flags) overrides() map[string]string {
	return map[string]string{
		"BACKEND":        f.backend,
		"LOG_LEVEL":      f.logLevel,
		"LOG_FORMAT":     f.logFormat,
		"TELEMETRY":      f.telemetry,
		"PREFIX":         f.prefix,
		"REDIS_URL":      f.redisURL,
		"POSTGRES_DSN":   f.pgDSN,
		"DYNAMODB_TABLE": f.ddbTable,
	}
}

// usageError marks errors caused by bad invocations rather than failures.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "modx",
		Short:         "Conversation caching for OpenAI-compatible chat APIs",
		Long:          "modx runs chat turns through a signed conversation cache and inspects the cached entries.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to a JSON config file")
	pf.StringVar(&f.backend, "backend", "", "cache backend: redis, local, postgres or dynamodb")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&f.telemetry, "telemetry", "", "telemetry exporter: none or stdout")
	pf.StringVar(&f.prefix, "prefix", "", "key namespace prefix")
	pf.StringVar(&f.redisURL, "redis-url", "", "redis connection url")
	pf.StringVar(&f.pgDSN, "postgres-dsn", "", "postgres connection string")
	pf.StringVar(&f.ddbTable, "dynamodb-table", "", "dynamodb table name")

	load := func() (config.Config, error) {
		cfg, err := config.Load(f.configPath, f.overrides())
		if err != nil {
			return config.Config{}, usageError{err}
		}
		return cfg, nil
	}

	root.AddCommand(newChatCmd(load))
	root.AddCommand(newCacheCmd(load))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print modx version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modx version %s\n", version)
		},
	}
}

func exitCode(err error) int {
	var uerr usageError
	var verr *modxcache.ValidationError
	if errors.As(err, &uerr) || errors.As(err, &verr) {
		return ExitUsageError
	}
	return ExitRuntimeError
}

// Run executes the root command with args and returns an exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "modx: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}
