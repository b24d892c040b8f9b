package scheduling

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/samber/lo"
)

const (
	// RecentWindow is the cool-down after a review during which a card is not re-drilled.
	RecentWindow = 30 * time.Minute
	// PracticeLimit caps the queue when nothing is due.
	PracticeLimit = 10
)

// SelectStudyQueue orders the deck's cards for a study session.
//
// Due cards come first: never-reviewed cards, then cards not reviewed within
// RecentWindow, each group hardest first. When both groups are empty the
// recently reviewed due cards are returned, least recently reviewed first.
// With nothing due the queue holds at most PracticeLimit cards that are
// outside the cool-down, hardest first.
func SelectStudyQueue(deck flashcards.Deck, now time.Time) []flashcards.Card {
	cutoff := now.Add(-RecentWindow)

	due := lo.Filter(deck.Cards, func(card flashcards.Card, _ int) bool {
		return IsDue(card, now)
	})
	if len(due) > 0 {
		return orderDueCards(due, cutoff)
	}

	practice := lo.Filter(deck.Cards, func(card flashcards.Card, _ int) bool {
		return !reviewedSince(card, cutoff)
	})
	sortByEase(practice)
	if len(practice) > PracticeLimit {
		practice = practice[:PracticeLimit]
	}
	return practice
}

func orderDueCards(due []flashcards.Card, cutoff time.Time) []flashcards.Card {
	neverReviewed := make([]flashcards.Card, 0, len(due))
	notRecent := make([]flashcards.Card, 0, len(due))
	recent := make([]flashcards.Card, 0, len(due))
	for _, card := range due {
		switch {
		case !card.Reviewed():
			neverReviewed = append(neverReviewed, card)
		case reviewedSince(card, cutoff):
			recent = append(recent, card)
		default:
			notRecent = append(notRecent, card)
		}
	}

	if len(neverReviewed) > 0 || len(notRecent) > 0 {
		sortByEase(neverReviewed)
		sortByEase(notRecent)
		return append(neverReviewed, notRecent...)
	}

	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].LastReviewed.Before(*recent[j].LastReviewed)
	})
	return recent
}

func reviewedSince(card flashcards.Card, cutoff time.Time) bool {
	return card.LastReviewed != nil && !card.LastReviewed.Before(cutoff)
}

func sortByEase(cards []flashcards.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		return easeOrDefault(cards[i]) < easeOrDefault(cards[j])
	})
}

func easeOrDefault(card flashcards.Card) float64 {
	if card.EaseFactor == 0 {
		return flashcards.DefaultEaseFactor
	}
	return card.EaseFactor
}
