package main

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/migration"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/replication"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	errRemoteNotConfigured = errors.New("remote url is not configured")
	errUserNotConfigured   = errors.New("user id is required to sync")
)

func (a *app) replicationConfig() replication.Config {
	return replication.Config{
		PageSize:      a.config.PageSize,
		PullInterval:  a.config.PullInterval,
		SweepInterval: a.config.SweepInterval,
		RetryInterval: a.config.RetryInterval,
	}
}

func newSyncCommand(configViper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Migrate signed-out documents and replicate once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(configViper)
			if err != nil {
				return err
			}
			defer application.Close()

			userID := application.config.UserID
			if _, err := flashcards.NewUserID(userID); err != nil {
				return errUserNotConfigured
			}
			backend, err := application.backend()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			migrator, err := migration.NewMigrator(migration.Config{Store: application.store, Backend: backend, Logger: application.logger})
			if err != nil {
				return err
			}
			result, err := migrator.Migrate(ctx, userID)
			if err != nil {
				return err
			}
			for _, deckErr := range result.Errors {
				application.logger.Warn("deck not migrated", zap.Error(deckErr))
			}
			decks, cards, err := application.store.ClaimOrphans(ctx, userID)
			if err != nil {
				return err
			}
			if decks+cards > 0 {
				application.logger.Info("claimed signed-out documents", zap.Int64("decks", decks), zap.Int64("cards", cards))
			}

			engineConfig := application.replicationConfig()
			engineConfig.Store = application.store
			engineConfig.Backend = backend
			engineConfig.Logger = application.logger
			engine, err := replication.NewEngine(engineConfig)
			if err != nil {
				return err
			}
			report, err := engine.SyncOnce(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d deck(s) and %d card(s), pulled %d deck(s) and %d card(s), %d conflict(s)\n",
				report.DecksPushed, report.CardsPushed, report.DecksPulled, report.CardsPulled, report.Conflicts)
			return nil
		},
	}
}

func newRunCommand(configViper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the signed-in user's documents replicated until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp(configViper)
			if err != nil {
				return err
			}
			defer application.Close()

			backend, err := application.backend()
			if err != nil {
				return err
			}
			manager, err := session.NewManager(session.Config{
				Store:         application.store,
				Backend:       backend,
				Logger:        application.logger,
				Replication:   application.replicationConfig(),
				RetryInterval: application.config.RetryInterval,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			statuses := manager.Subscribe(ctx)
			if err := manager.StartSync(application.config.UserID); err != nil {
				return err
			}
			defer manager.StopSync()

			for {
				select {
				case <-ctx.Done():
					return nil
				case status := <-statuses:
					switch {
					case status.State == session.StateError:
						return errors.New(status.Error)
					case status.Error != "":
						application.logger.Warn("sync degraded", zap.String("detail", status.Error))
					}
				}
			}
		},
	}
}
