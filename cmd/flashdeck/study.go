package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/scheduling"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const ratingPrompt = "rating (1 again, 2 hard, 3 good, 4 easy, 5 perfect, q to stop): "

var errStopStudy = errors.New("study stopped")

func newStudyCommand(configViper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "study DECK_ID",
		Short: "Review the deck's study queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				_, err := runStudySession(cmd.Context(), adapter, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), time.Now)
				return err
			})
		},
	}
}

type studySummary struct {
	Queued   int
	Reviewed int
	Streak   flashcards.StreakStats
}

// runStudySession walks the study queue of deckID, reading answers from in.
// It stops at the end of the queue, on "q" or at end of input.
func runStudySession(ctx context.Context, adapter storage.StudyAdapter, deckID string, in io.Reader, out io.Writer, clock func() time.Time) (studySummary, error) {
	deck, err := adapter.GetDeckByID(ctx, deckID)
	if err != nil {
		return studySummary{}, err
	}
	queue := scheduling.SelectStudyQueue(deck, clock())
	summary := studySummary{Queued: len(queue)}
	if len(queue) == 0 {
		fmt.Fprintf(out, "Nothing to study in %q right now.\n", deck.Name)
		return summary, nil
	}

	scanner := bufio.NewScanner(in)
	for index, card := range queue {
		fmt.Fprintf(out, "\n[%d/%d] %s\n", index+1, len(queue), card.Front)
		fmt.Fprint(out, "press enter to reveal the answer")
		if !scanner.Scan() {
			break
		}
		fmt.Fprintf(out, "\n%s\n", card.Back)

		rating, err := readRating(scanner, out)
		if errors.Is(err, errStopStudy) {
			break
		}
		if err != nil {
			return summary, err
		}
		if _, err := adapter.RecordReview(ctx, deckID, card.ID, rating); err != nil {
			return summary, err
		}
		summary.Reviewed++
	}
	if err := scanner.Err(); err != nil {
		return summary, err
	}

	if summary.Reviewed > 0 {
		streak, err := adapter.GetStreakData(ctx)
		if err != nil {
			return summary, err
		}
		summary.Streak = streak
		fmt.Fprintf(out, "\nReviewed %d of %d cards. Streak: %d day(s), longest %d.\n",
			summary.Reviewed, summary.Queued, streak.CurrentStreak, streak.LongestStreak)
	}
	return summary, nil
}

func readRating(scanner *bufio.Scanner, out io.Writer) (flashcards.Rating, error) {
	for {
		fmt.Fprint(out, ratingPrompt)
		if !scanner.Scan() {
			return 0, errStopStudy
		}
		answer := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(answer, "q") {
			return 0, errStopStudy
		}
		value, err := strconv.Atoi(answer)
		if err == nil {
			rating, ratingErr := flashcards.NewRating(value)
			if ratingErr == nil {
				return rating, nil
			}
		}
		fmt.Fprintf(out, "%q is not a rating\n", answer)
	}
}

func newStreakCommand(configViper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "streak",
		Short: "Show the study streak",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(configViper, func(adapter storage.StudyAdapter) error {
				stats, err := adapter.GetStreakData(cmd.Context())
				if err != nil {
					return err
				}
				last := "never"
				if stats.LastStudyDate != nil {
					last = stats.LastStudyDate.Local().Format(time.DateOnly)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "current: %d\nlongest: %d\nlast study: %s\n",
					stats.CurrentStreak, stats.LongestStreak, last)
				return nil
			})
		},
	}
}

func newImportCommand(configViper *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy FILE",
		Short: "Import a JSON export from the pre-database app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			application, err := openApp(configViper)
			if err != nil {
				return err
			}
			defer application.Close()

			result, err := application.store.ImportLegacy(cmd.Context(), file)
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "legacy data was already imported")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d deck(s) and %d card(s)\n", result.Decks, result.Cards)
			return nil
		},
	}
}
