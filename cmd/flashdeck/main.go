package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(configViper *viper.Viper) *cobra.Command {
	config.ApplyDefaults(configViper)
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:          "flashdeck",
		Short:        "Study flashcards offline and sync them when signed in",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			configViper.SetConfigFile(cfgFile)
			return configViper.ReadInConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("data", configViper.GetString("data.path"), "Local database file")
	flags.Int64("max-bytes", configViper.GetInt64("data.max_bytes"), "Local database quota in bytes (0 disables)")
	flags.String("remote-url", "", "Sync API base URL")
	flags.String("token", "", "Sync API access token")
	flags.String("user", "", "Signed-in user id; empty works on signed-out documents")
	flags.String("log-level", configViper.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindings := map[string]string{
		"data.path":      "data",
		"data.max_bytes": "max-bytes",
		"remote.url":     "remote-url",
		"remote.token":   "token",
		"remote.user_id": "user",
		"log.level":      "log-level",
	}
	for key, flag := range bindings {
		if err := configViper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		newDecksCommand(configViper),
		newCardsCommand(configViper),
		newStudyCommand(configViper),
		newStreakCommand(configViper),
		newImportCommand(configViper),
		newSyncCommand(configViper),
		newRunCommand(configViper),
	)
	return rootCmd
}
