package replication

import (
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/localstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
)

// DeckRow converts a local deck to its remote row.
func DeckRow(doc localstore.DeckDocument, userID string) remote.DeckRow {
	return remote.DeckRow{
		ID:          doc.ID,
		UserID:      userID,
		Name:        doc.Name,
		Description: doc.Description,
		CreatedAt:   flashcards.FromMillis(doc.CreatedAtMs),
		UpdatedAt:   flashcards.FromMillis(doc.UpdatedAtMs),
	}
}

// CardRow converts a local card to its remote row. Review history is not
// part of the row.
func CardRow(doc localstore.CardDocument, userID string) remote.CardRow {
	return remote.CardRow{
		ID:          doc.ID,
		DeckID:      doc.DeckID,
		UserID:      userID,
		Front:       doc.Front,
		Back:        doc.Back,
		FrontImage:  remote.StringPointer(doc.FrontImage),
		BackImage:   remote.StringPointer(doc.BackImage),
		EaseFactor:  doc.EaseFactor,
		Interval:    doc.Interval,
		Repetitions: doc.Repetitions,
		NextReview:  flashcards.FromMillis(doc.NextReviewMs),
		CreatedAt:   flashcards.FromMillis(doc.CreatedAtMs),
		UpdatedAt:   flashcards.FromMillis(doc.UpdatedAtMs),
	}
}

// DeckDocument converts a remote row to a local deck. Ownership and the
// dirty flag are set by the store when the document is applied.
func DeckDocument(row remote.DeckRow) localstore.DeckDocument {
	return localstore.DeckDocument{
		Meta:        rowMeta(row.ID, row.CreatedAt, row.UpdatedAt),
		Name:        row.Name,
		Description: row.Description,
	}
}

// CardDocument converts a remote row to a local card.
func CardDocument(row remote.CardRow) localstore.CardDocument {
	doc := localstore.CardDocument{
		Meta:         rowMeta(row.ID, row.CreatedAt, row.UpdatedAt),
		DeckID:       row.DeckID,
		Front:        row.Front,
		Back:         row.Back,
		FrontImage:   remote.StringValue(row.FrontImage),
		BackImage:    remote.StringValue(row.BackImage),
		EaseFactor:   row.EaseFactor,
		Interval:     row.Interval,
		Repetitions:  row.Repetitions,
		NextReviewMs: flashcards.ToMillis(row.NextReview),
	}
	if doc.NextReviewMs == 0 {
		doc.NextReviewMs = doc.CreatedAtMs
	}
	return doc
}

func rowMeta(id string, createdAt, updatedAt time.Time) localstore.Meta {
	meta := localstore.Meta{
		ID:          id,
		CreatedAtMs: flashcards.ToMillis(createdAt),
		UpdatedAtMs: flashcards.ToMillis(updatedAt),
	}
	if meta.CreatedAtMs == 0 || meta.CreatedAtMs > meta.UpdatedAtMs {
		meta.CreatedAtMs = meta.UpdatedAtMs
	}
	return meta
}

func statsRow(stats flashcards.StreakStats, userID string) remote.StatsRow {
	return remote.StatsRow{
		UserID:        userID,
		CurrentStreak: stats.CurrentStreak,
		LongestStreak: stats.LongestStreak,
		LastStudyDate: stats.LastStudyDate,
		UpdatedAt:     stats.UpdatedAt,
	}
}

func streakStats(row remote.StatsRow) flashcards.StreakStats {
	stats := flashcards.StreakStats{
		CurrentStreak: row.CurrentStreak,
		LongestStreak: row.LongestStreak,
		UpdatedAt:     flashcards.Millis(row.UpdatedAt),
	}
	if row.LastStudyDate != nil {
		lastStudy := flashcards.Millis(*row.LastStudyDate)
		stats.LastStudyDate = &lastStudy
	}
	return stats
}
