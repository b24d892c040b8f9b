package main

import (
	"github.com/MarcoPoloResearchLab/flashdeck/internal/config"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/logging"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app holds what every command needs: configuration, a logger and the
// opened local store.
type app struct {
	config config.ClientConfig
	logger *zap.Logger
	store  *localstore.Store
}

func openApp(configViper *viper.Viper) (*app, error) {
	cfg, err := config.LoadClient(configViper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := localstore.Open(localstore.Config{
		Path:     cfg.DataPath,
		MaxBytes: cfg.MaxBytes,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &app{config: cfg, logger: logger, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close local store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) storageConfig() storage.Config {
	return storage.Config{Store: a.store, Logger: a.logger}
}

// adapter serves the configured user's documents, or the signed-out
// documents when no user is configured.
func (a *app) adapter() (storage.StudyAdapter, error) {
	if a.config.UserID == "" {
		return storage.NewLocalAdapter(a.storageConfig())
	}
	userID, err := flashcards.NewUserID(a.config.UserID)
	if err != nil {
		return nil, err
	}
	return storage.NewReplicatedAdapter(a.storageConfig(), userID)
}

func (a *app) backend() (*remote.HTTPClient, error) {
	if !a.config.RemoteConfigured() {
		return nil, errRemoteNotConfigured
	}
	return remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:     a.config.RemoteURL,
		AccessToken: a.config.AccessToken,
		Timeout:     a.config.RequestTimeout,
		Logger:      a.logger,
	})
}
