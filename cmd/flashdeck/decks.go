package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/scheduling"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDecksCommand(configViper *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decks",
		Short: "Manage decks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List decks with their due counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				decks, err := adapter.GetAllDecks(cmd.Context())
				if err != nil {
					return err
				}
				now := time.Now()
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "ID\tNAME\tCARDS\tDUE")
				for _, deck := range decks {
					fmt.Fprintf(writer, "%s\t%s\t%d\t%d\n", deck.ID, deck.Name, len(deck.Cards), scheduling.DueCount(deck.Cards, now))
				}
				return writer.Flush()
			})
		},
	}

	var description string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a deck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				deck, err := adapter.CreateDeck(cmd.Context(), args[0], description)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), deck.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&description, "description", "", "Deck description")

	var newName, newDescription string
	rename := &cobra.Command{
		Use:   "update DECK_ID",
		Short: "Change a deck's name or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update storage.DeckUpdate
			if cmd.Flags().Changed("name") {
				update.Name = &newName
			}
			if cmd.Flags().Changed("description") {
				update.Description = &newDescription
			}
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				_, err := adapter.UpdateDeck(cmd.Context(), args[0], update)
				return err
			})
		},
	}
	rename.Flags().StringVar(&newName, "name", "", "New deck name")
	rename.Flags().StringVar(&newDescription, "description", "", "New deck description")

	remove := &cobra.Command{
		Use:   "delete DECK_ID",
		Short: "Delete a deck and its cards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				return adapter.DeleteDeck(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(list, create, rename, remove)
	return cmd
}

// withAdapter opens the local store for the duration of fn.
func withAdapter(configViper *viper.Viper, fn func(adapter storage.StudyAdapter) error) error {
	application, err := openApp(configViper)
	if err != nil {
		return err
	}
	defer application.Close()

	adapter, err := application.adapter()
	if err != nil {
		return err
	}
	return fn(adapter)
}
