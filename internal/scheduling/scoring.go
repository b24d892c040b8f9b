// Package scheduling implements the review scheduler and the study queue
// selection policy. Everything here is pure: callers pass the clock in.
package scheduling

import (
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
)

const (
	MinEaseFactor   = 1.3
	MaxEaseFactor   = 3.5
	MaxIntervalDays = 90

	defaultAverageRating = 3.0
	day                  = 24 * time.Hour
)

var easeFactorDeltas = map[flashcards.Rating]float64{
	flashcards.RatingPerfect: 0.15,
	flashcards.RatingEasy:    0.10,
	flashcards.RatingGood:    0.0,
	flashcards.RatingHard:    -0.15,
	flashcards.RatingAgain:   -0.20,
}

// IsDue reports whether the card is scheduled for review at now.
func IsDue(card flashcards.Card, now time.Time) bool {
	return !card.NextReview.After(now)
}

// DueCount returns how many cards are due at now.
func DueCount(cards []flashcards.Card, now time.Time) int {
	count := 0
	for _, card := range cards {
		if IsDue(card, now) {
			count++
		}
	}
	return count
}

// ScoreReview records a review of card at now and returns the updated card.
//
// The review is always appended to the history and LastReviewed is set to now.
// Scheduling fields only change when the card was due or when the grade shows
// the user forgot it during unscheduled practice. Ratings outside 1-5 are
// rejected with flashcards.ErrInvalidRating and the card is returned as given.
func ScoreReview(card flashcards.Card, rating flashcards.Rating, now time.Time) (flashcards.Card, error) {
	if err := rating.Validate(); err != nil {
		return card, err
	}
	now = flashcards.Millis(now)

	updated := card.Clone()
	reviewedAt := now
	updated.LastReviewed = &reviewedAt
	updated.Reviews = append(updated.Reviews, flashcards.Review{Rating: rating, Date: now})

	if IsDue(card, now) || forgot(card, rating) {
		applyScore(&updated, card, rating, now)
	}
	return updated, nil
}

func applyScore(updated *flashcards.Card, previous flashcards.Card, rating flashcards.Rating, now time.Time) {
	if rating.Remembered() {
		updated.Repetitions = previous.Repetitions + 1
		updated.Interval = nextInterval(previous)
	} else {
		updated.Repetitions = 0
		updated.Interval = 1
	}
	updated.EaseFactor = clampEaseFactor(previous.EaseFactor + easeFactorDeltas[rating])
	updated.NextReview = now.Add(time.Duration(min(updated.Interval, MaxIntervalDays)) * day)
}

func nextInterval(card flashcards.Card) int {
	var interval int
	switch card.Repetitions {
	case 0:
		interval = 1
	case 1:
		interval = 6
	default:
		interval = int(math.Round(float64(card.Interval) * card.EaseFactor))
	}
	return min(max(interval, 1), MaxIntervalDays)
}

func forgot(card flashcards.Card, rating flashcards.Rating) bool {
	if len(card.Reviews) == 0 {
		return rating == flashcards.RatingAgain
	}
	return float64(rating) < averageRating(card)-1
}

func averageRating(card flashcards.Card) float64 {
	if len(card.Reviews) == 0 {
		return defaultAverageRating
	}
	sum := 0
	for _, review := range card.Reviews {
		sum += int(review.Rating)
	}
	return float64(sum) / float64(len(card.Reviews))
}

func clampEaseFactor(value float64) float64 {
	return math.Max(MinEaseFactor, math.Min(MaxEaseFactor, value))
}
