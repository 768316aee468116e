// Package cmd implements the parsekit command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/parsekit/internal/config"
	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/internal/server/handlers"
)

// exitFailure is the exit code for errors that carry no foundry code.
const exitFailure = 1

var (
	cfgFile     string
	verbose     bool
	dataDirFlag string
	dbPathFlag  string
	logLevel    string
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var appIdentity *config.Identity

// appConfig is set by the root pre-run hook.
var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "parsekit",
	Short: "Submit documents for remote parsing and track the results",
	Long: `parsekit queues document parse, form parse and form fill jobs in a local
encrypted store, delivers them to the processing service and polls for
results.

Run 'parsekit run' to start the agent, or use the submit and jobs commands
against the same data directory.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	id := config.DefaultIdentity
	appIdentity = &id

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/parsekit/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (overrides data_dir)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Job database path (overrides store.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Agent log level (debug, info, warn, error)")
}

// SetVersionInfo records build metadata for the version command and the
// status server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity used for config and env lookup.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and exits with the code carried by the
// returned error.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitCode(err))
}

func initConfig(cmd *cobra.Command, _ []string) error {
	name := "parsekit"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	observability.InitCLILogger(name, verbose)

	if cmd.Annotations["skipConfig"] == "true" {
		return nil
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	appConfig = cfg
	return nil
}

// flagOverrides maps persistent flags onto config keys. Unset flags are
// left out so they do not mask the file or environment.
func flagOverrides() map[string]any {
	out := map[string]any{}
	if dataDirFlag != "" {
		out["data_dir"] = dataDirFlag
	}
	if dbPathFlag != "" {
		out["store"] = map[string]any{"path": dbPathFlag}
	}
	if logLevel != "" {
		out["logging"] = map[string]any{"level": logLevel}
	}
	return out
}

// ExitError carries a foundry process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}
