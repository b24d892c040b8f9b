package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCardsCommand(configViper *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cards",
		Short: "Manage the cards of a deck",
	}

	list := &cobra.Command{
		Use:   "list DECK_ID",
		Short: "List a deck's cards in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				deck, err := adapter.GetDeckByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(writer, "ID\tFRONT\tBACK\tEASE\tINTERVAL\tNEXT REVIEW")
				for _, card := range deck.Cards {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%.2f\t%d\t%s\n",
						card.ID, card.Front, card.Back, card.EaseFactor, card.Interval,
						card.NextReview.Local().Format(time.DateTime))
				}
				return writer.Flush()
			})
		},
	}

	var input storage.CardInput
	add := &cobra.Command{
		Use:   "add DECK_ID",
		Short: "Append a card to a deck",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				card, err := adapter.CreateCard(cmd.Context(), args[0], input)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), card.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&input.Front, "front", "", "Question side")
	add.Flags().StringVar(&input.Back, "back", "", "Answer side")
	add.Flags().StringVar(&input.FrontImage, "front-image", "", "Question image URL")
	add.Flags().StringVar(&input.BackImage, "back-image", "", "Answer image URL")
	_ = add.MarkFlagRequired("front")
	_ = add.MarkFlagRequired("back")

	var front, back string
	edit := &cobra.Command{
		Use:   "update DECK_ID CARD_ID",
		Short: "Edit a card's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update storage.CardUpdate
			if cmd.Flags().Changed("front") {
				update.Front = &front
			}
			if cmd.Flags().Changed("back") {
				update.Back = &back
			}
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				_, err := adapter.UpdateCard(cmd.Context(), args[0], args[1], update)
				return err
			})
		},
	}
	edit.Flags().StringVar(&front, "front", "", "New question side")
	edit.Flags().StringVar(&back, "back", "", "New answer side")

	remove := &cobra.Command{
		Use:   "delete DECK_ID CARD_ID",
		Short: "Delete a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				return adapter.DeleteCard(cmd.Context(), args[0], args[1])
			})
		},
	}

	cmd.AddCommand(list, add, edit, remove)
	return cmd
}
