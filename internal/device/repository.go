package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aquasync/aquasync-core/internal/infrastructure/docstore"
)

// Collection is the docstore collection holding device records.
const Collection = "Devices"

// Repository is the typed projection of the document store's Devices
// collection. It translates between Record and schemaless documents
// and maps store errors onto device errors.
//
// All methods are safe for concurrent use (the underlying store is).
type Repository struct {
	store docstore.Store
}

// NewRepository creates a device repository over a document store.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

// Get retrieves a device record. Returns ErrNotFound if absent.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrIDRequired
	}

	doc, err := r.store.Get(ctx, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return fromDoc(doc)
}

// List retrieves all device records.
func (r *Repository) List(ctx context.Context) ([]Record, error) {
	return r.query(ctx, nil)
}

// ListBySubscription retrieves devices filtered by entitlement state.
func (r *Repository) ListBySubscription(ctx context.Context, active bool) ([]Record, error) {
	return r.query(ctx, func(doc docstore.Doc) bool {
		sub, _ := doc["subscription"].(bool)
		return sub == active
	})
}

// Put writes a full record, replacing any existing document.
func (r *Repository) Put(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return ErrIDRequired
	}

	doc, err := toDoc(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, Collection, rec.ID, doc, false)
}

// Merge deep-merges a partial update into a device document, creating
// it if absent. This is the engine's durability path: nested maps such
// as dailyUsage merge key-by-key.
func (r *Repository) Merge(ctx context.Context, id string, patch map[string]any) error {
	if id == "" {
		return ErrIDRequired
	}
	return r.store.Set(ctx, Collection, id, patch, true)
}

// Delete removes a device document. Returns ErrNotFound if absent.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrIDRequired
	}

	err := r.store.Delete(ctx, Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// query scans the collection and decodes matching documents.
func (r *Repository) query(ctx context.Context, match docstore.Predicate) ([]Record, error) {
	docs, err := r.store.Query(ctx, Collection, match)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// toDoc converts a Record into a schemaless document via its JSON form.
func toDoc(rec *Record) (docstore.Doc, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding device %s: %w", rec.ID, err)
	}
	var doc docstore.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encoding device %s: %w", rec.ID, err)
	}
	return doc, nil
}

// fromDoc converts a stored document back into a Record.
func fromDoc(doc docstore.Doc) (*Record, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decoding device document: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding device document: %w", err)
	}
	return &rec, nil
}
