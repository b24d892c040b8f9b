package storage

// LocalAdapter serves the documents created while signed out. Nothing it
// writes is replicated until a user signs in and claims them.
type LocalAdapter struct {
	*documents
}

// NewLocalAdapter constructs the signed-out adapter.
func NewLocalAdapter(cfg Config) (*LocalAdapter, error) {
	docs, err := newDocuments(cfg, "")
	if err != nil {
		return nil, err
	}
	return &LocalAdapter{documents: docs}, nil
}

var _ StudyAdapter = (*LocalAdapter)(nil)
