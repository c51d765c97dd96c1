// Package bootstrap builds the long-lived collaborators shared by the server
// and the CLI from one Config.
package bootstrap

import (
	"context"
	"fmt"
	"io"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/edutap-eu/esc-native-wallet/internal/config"
	"github.com/edutap-eu/esc-native-wallet/internal/passbuilder"
	"github.com/edutap-eu/esc-native-wallet/internal/push"
	"github.com/edutap-eu/esc-native-wallet/internal/repository"
	"github.com/edutap-eu/esc-native-wallet/internal/service"
)

// NewLogger builds the process logger. Format is one of the go-logger
// types: console, json or pretty.
func NewLogger(cfg config.LoggingConfig, out io.Writer) *glog.BaseLogger {
	return glog.NewLogger(
		glog.WithName("esc-native-wallet"),
		glog.WithLevel(cfg.Level),
		glog.WithLoggerType(cfg.Format),
		glog.WithWriter(out),
	)
}

// OpenStore opens the configured registry backend. CouchDB databases are
// created on first use.
func OpenStore(ctx context.Context, cfg config.RegistryConfig, logger glog.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case config.RegistryMemory:
		logger.Warn("using the in-memory registry, registrations are lost on restart")
		return repository.NewMemoryStore(), nil

	case config.RegistrySQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite registry", "path", cfg.SQLitePath)
		return store, nil

	case config.RegistryCouchDB:
		client, err := kivik.New("couch", cfg.CouchDB.URL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
		}

		exists, err := client.DBExists(ctx, cfg.CouchDB.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to check database existence: %w", err)
		}
		if !exists {
			if err := client.CreateDB(ctx, cfg.CouchDB.Name); err != nil {
				return nil, fmt.Errorf("failed to create database: %w", err)
			}
			logger.Info("created database", "name", cfg.CouchDB.Name)
		}

		logger.Info("connected to CouchDB", "host", cfg.CouchDB.Host, "port", cfg.CouchDB.Port)
		return repository.NewCouchStore(client, cfg.CouchDB.Name), nil
	}

	return nil, fmt.Errorf("unknown registry driver %q", cfg.Driver)
}

// NewNotifier returns the push dispatcher, or push.Disabled when push
// delivery is not configured.
func NewNotifier(registry repository.Registry, cfg config.WalletConfig, logger glog.Logger) (push.Notifier, error) {
	if cfg.Push == nil {
		logger.Info("push delivery disabled")
		return push.Disabled, nil
	}

	tokens, err := push.NewAuthenticator(cfg.TeamID, cfg.Push.KeyID, cfg.Push.PrivateKey)
	if err != nil {
		return nil, err
	}

	return push.NewDispatcher(registry, tokens, push.Config{
		Host:        cfg.Push.Host,
		Concurrency: cfg.Push.Concurrency,
		PushTimeout: cfg.Push.Timeout,
	}, push.WithLogger(logger)), nil
}

func PassSettings(cfg config.WalletConfig) service.PassSettings {
	settings := service.PassSettings{
		PassTypeID:       cfg.PassTypeID,
		TeamID:           cfg.TeamID,
		OrganizationName: cfg.OrganizationName,
	}
	if cfg.WebService != nil {
		settings.WebServiceURL = cfg.WebService.URL
	}
	return settings
}

func NewPassBuilder(cfg config.PassBuilderConfig) passbuilder.PassBuilder {
	return passbuilder.NewRemoteBuilder(cfg.URL, cfg.APIKey, cfg.Timeout)
}
