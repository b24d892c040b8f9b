package cloudstore

type record interface {
	rowKey() string
	keyColumn() string
	updatedAtMs() int64
	version() int64
	setVersion(int64)
	setOwner(string)
}

type recordPointer[R any] interface {
	*R
	record
}

// ConflictOutcome is the decision for one incoming row.
type ConflictOutcome[R any] struct {
	Accepted bool
	// Stored is the version that is persisted after the decision: the
	// incoming row when accepted, the untouched stored row otherwise.
	Stored R
	Audit  *RowChange
}

// resolveWrite applies last-writer-wins on the update time. Ties go to the
// incoming row so that retried pushes are idempotent.
func resolveWrite[R any, P recordPointer[R]](existing *R, incoming R, collection string, appliedAtMs int64) ConflictOutcome[R] {
	if existing != nil && P(&incoming).updatedAtMs() < P(existing).updatedAtMs() {
		return ConflictOutcome[R]{Accepted: false, Stored: *existing}
	}

	updated := incoming
	audit := &RowChange{
		Collection:      collection,
		RowID:           P(&incoming).rowKey(),
		Operation:       OperationUpsert,
		AppliedAtMs:     appliedAtMs,
		ClientUpdatedMs: P(&incoming).updatedAtMs(),
	}
	nextVersion := int64(1)
	if existing != nil {
		previous := P(existing).version()
		audit.PreviousVersion = pointerTo(previous)
		nextVersion = previous + 1
	}
	P(&updated).setVersion(nextVersion)
	audit.NewVersion = pointerTo(nextVersion)

	return ConflictOutcome[R]{Accepted: true, Stored: updated, Audit: audit}
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
