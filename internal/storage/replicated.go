package storage

import "github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"

// ReplicatedAdapter serves the documents of one signed-in user. Writes land
// in the local store marked for push and are announced on the store's change
// feed, which wakes the replication engine without blocking the caller.
type ReplicatedAdapter struct {
	*documents
	userID flashcards.UserID
}

// NewReplicatedAdapter constructs the adapter for userID.
func NewReplicatedAdapter(cfg Config, userID flashcards.UserID) (*ReplicatedAdapter, error) {
	if userID == "" {
		return nil, errMissingOwner
	}
	docs, err := newDocuments(cfg, userID.String())
	if err != nil {
		return nil, err
	}
	return &ReplicatedAdapter{documents: docs, userID: userID}, nil
}

// UserID returns the user the adapter is scoped to.
func (a *ReplicatedAdapter) UserID() flashcards.UserID {
	return a.userID
}

var _ StudyAdapter = (*ReplicatedAdapter)(nil)
