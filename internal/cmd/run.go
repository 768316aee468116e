package cmd

import (
	"context"
	"errors"

	"github.com/fsnotify/fsnotify"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/agent"
	"github.com/3leaps/parsekit/internal/config"
	"github.com/3leaps/parsekit/internal/observability"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Run the polling engine, the retention sweeper and the local status server.

The agent runs until SIGINT or SIGTERM. Remote settings (base URL and public
key) are watched in the config file and take effect without a restart.

Examples:
  parsekit run
  parsekit run --port 9000
  parsekit run --no-server`,
	RunE: runAgent,
}

var (
	runHost     string
	runPort     int
	runNoServer bool
	runNoPoller bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runHost, "host", "", "Status server host (overrides server.host)")
	runCmd.Flags().IntVarP(&runPort, "port", "p", 0, "Status server port (overrides server.port)")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not start the status server")
	runCmd.Flags().BoolVar(&runNoPoller, "no-poller", false, "Do not start the polling engine")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	if runNoServer && runNoPoller {
		return exitError(foundry.ExitInvalidArgument, "Nothing to run: --no-server and --no-poller are both set", nil)
	}
	cfg := *appConfig
	if runHost != "" {
		cfg.Server.Host = runHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = runPort
	}
	if runNoServer {
		cfg.Server.Enabled = false
	}
	if runNoPoller {
		cfg.Poller.Enabled = false
	}

	id := GetAppIdentity()
	if err := observability.InitServerLogger(id.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	logger := observability.ServerLogger

	watchConfig(logger)

	a, err := agent.New(cmd.Context(), &cfg,
		agent.WithLogger(logger),
		agent.WithVersion(versionInfo.Version),
	)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start agent", err)
	}
	if cfg.Health.Enabled {
		a.Health().RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	logger.Info("Starting parsekit agent",
		zap.String("version", versionInfo.Version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("config_file", config.ConfigFileUsed()))

	if err := a.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(exitFailure, "Agent stopped with errors", err)
	}
	return nil
}

// watchConfig reloads the config file on change so the settings provider
// sees new remote values.
func watchConfig(logger *zap.Logger) {
	v := config.Viper()
	if v == nil || config.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
	})
	v.WatchConfig()
}

// identityHealthChecker reports a broken application identity, which would
// make config and env lookup silently fall back to defaults.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}
