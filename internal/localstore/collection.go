package localstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Selector filters documents by column equality. A nil value matches NULL.
type Selector map[string]any

type documentPointer[T any] interface {
	*T
	meta() *Meta
	TableName() string
}

// Collection provides document-level access to one table. Every write is
// validated against the document's schema tags and rejected on violation.
type Collection[T any, P documentPointer[T]] struct {
	store *Store
	db    *gorm.DB
	name  string
	emit  func(Change)
}

func newCollection[T any, P documentPointer[T]](store *Store, db *gorm.DB, name string, emit func(Change)) *Collection[T, P] {
	return &Collection[T, P]{store: store, db: db, name: name, emit: emit}
}

// Name returns the collection name.
func (c *Collection[T, P]) Name() string {
	return c.name
}

// Insert stores a new document. Owned documents are marked for push.
func (c *Collection[T, P]) Insert(ctx context.Context, doc P) error {
	meta := doc.meta()
	meta.Deleted = false
	meta.PendingPush = meta.UserID != nil
	if err := c.store.check(c.name, meta.ID, doc); err != nil {
		return err
	}
	if err := c.db.WithContext(ctx).Create(doc).Error; err != nil {
		return classify(err)
	}
	c.emit(Change{Collection: c.name, DocumentID: meta.ID, Owner: meta.Owner()})
	return nil
}

// FindOne returns the live document with the given id.
func (c *Collection[T, P]) FindOne(ctx context.Context, id string) (P, error) {
	var doc T
	err := c.db.WithContext(ctx).
		Where("id = ? AND deleted = ?", id, false).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
	}
	if err != nil {
		return nil, classify(err)
	}
	return P(&doc), nil
}

// Find returns live documents matching selector in creation order.
func (c *Collection[T, P]) Find(ctx context.Context, selector Selector) ([]T, error) {
	query := c.db.WithContext(ctx).Model(new(T)).Where("deleted = ?", false)
	if len(selector) > 0 {
		query = query.Where(map[string]any(selector))
	}
	var docs []T
	if err := query.Order("created_at_ms ASC").Order("id ASC").Find(&docs).Error; err != nil {
		return nil, classify(err)
	}
	return docs, nil
}

// Patch applies mutate to the live document with the given id and saves it.
// The id cannot be changed. Owned documents are marked for push.
func (c *Collection[T, P]) Patch(ctx context.Context, id string, mutate func(doc P) error) (P, error) {
	var patched P
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc T
		err := tx.Where("id = ? AND deleted = ?", id, false).Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
		}
		if err != nil {
			return err
		}

		pointer := P(&doc)
		if err := mutate(pointer); err != nil {
			return err
		}
		meta := pointer.meta()
		meta.ID = id
		meta.Deleted = false
		meta.PendingPush = meta.UserID != nil
		if err := c.store.check(c.name, id, pointer); err != nil {
			return err
		}
		if err := tx.Save(pointer).Error; err != nil {
			return err
		}
		patched = pointer
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	meta := patched.meta()
	c.emit(Change{Collection: c.name, DocumentID: id, Owner: meta.Owner()})
	return patched, nil
}

// Remove deletes the document. Unowned documents are dropped immediately;
// owned ones become tombstones, stamped after the live version, until the
// deletion has been pushed.
func (c *Collection[T, P]) Remove(ctx context.Context, id string) error {
	var owner string
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc T
		err := tx.Where("id = ? AND deleted = ?", id, false).Take(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
		}
		if err != nil {
			return err
		}

		meta := P(&doc).meta()
		owner = meta.Owner()
		if meta.UserID == nil {
			return tx.Where("id = ?", id).Delete(new(T)).Error
		}

		deletedAt := max(c.store.Now().UnixMilli(), meta.UpdatedAtMs+1)
		return tx.Model(new(T)).
			Where("id = ?", id).
			Updates(map[string]any{
				"deleted":       true,
				"pending_push":  true,
				"updated_at_ms": deletedAt,
			}).Error
	})
	if err != nil {
		return classify(err)
	}
	c.emit(Change{Collection: c.name, DocumentID: id, Owner: owner})
	return nil
}
