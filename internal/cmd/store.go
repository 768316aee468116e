package cmd

import (
	"context"
	"encoding/json"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/parsekit/internal/config"
	"github.com/3leaps/parsekit/internal/observability"
	"github.com/3leaps/parsekit/pkg/deviceid"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/settings"
)

// openStore opens the configured job database.
func openStore(ctx context.Context) (*jobstore.SQLiteStore, error) {
	dbCfg := appConfig.LocalDB()
	observability.CLILogger.Debug("Opening job store",
		zap.String("path", dbCfg.Path),
		zap.Bool("remote", dbCfg.URL != ""))

	store, err := jobstore.OpenSQLite(ctx, dbCfg)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	return store, nil
}

// clientID returns this device's id, creating it on first use.
func clientID() (string, error) {
	id, err := deviceid.ClientID(appConfig.DataDir)
	if err != nil {
		return "", exitError(exitFailure, "Failed to load device identity", err)
	}
	return id, nil
}

// remoteSettings reads remote settings from the loaded config.
func remoteSettings() settings.Provider {
	return settings.NewViper(config.Viper())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v with its JSON field names.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
