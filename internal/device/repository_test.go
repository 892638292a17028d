package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
	"github.com/aquasync/aquasync-core/internal/infrastructure/docstore"
)

// mockStore is an in-memory docstore.Store for repository tests.
type mockStore struct {
	docs    map[string]docstore.Doc // keyed collection/id
	setErr  error
	lastSet struct {
		collection string
		id         string
		merge      bool
	}
}

func newMockStore() *mockStore {
	return &mockStore{docs: make(map[string]docstore.Doc)}
}

func (m *mockStore) key(collection, id string) string { return collection + "/" + id }

func (m *mockStore) Get(_ context.Context, collection, id string) (docstore.Doc, error) {
	doc, ok := m.docs[m.key(collection, id)]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return doc, nil
}

func (m *mockStore) Set(_ context.Context, collection, id string, doc docstore.Doc, merge bool) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.lastSet.collection = collection
	m.lastSet.id = id
	m.lastSet.merge = merge
	m.docs[m.key(collection, id)] = doc
	return nil
}

func (m *mockStore) Update(_ context.Context, collection, id string, patch docstore.Doc) error {
	k := m.key(collection, id)
	if _, ok := m.docs[k]; !ok {
		return docstore.ErrNotFound
	}
	for f, v := range patch {
		m.docs[k][f] = v
	}
	return nil
}

func (m *mockStore) Delete(_ context.Context, collection, id string) error {
	k := m.key(collection, id)
	if _, ok := m.docs[k]; !ok {
		return docstore.ErrNotFound
	}
	delete(m.docs, k)
	return nil
}

func (m *mockStore) Query(_ context.Context, collection string, match docstore.Predicate) ([]docstore.Doc, error) {
	var out []docstore.Doc
	for k, doc := range m.docs {
		if len(k) < len(collection)+1 || k[:len(collection)+1] != collection+"/" {
			continue
		}
		if match == nil || match(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func TestRepositoryPutGetRoundTrip(t *testing.T) {
	repo := NewRepository(newMockStore())
	ctx := context.Background()

	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord("dev-1")
	rec.Toggle = true
	rec.TotalLiter = 5000
	rec.Subscription = true
	rec.SubscriptionStatus = SubscriptionActive
	rec.StartDate = &start
	rec.DailyUsage = map[string]float64{"2026-08-01": 1.5}
	rec.PastPlans = []PastPlan{{PlanName: "standard", TotalLiter: 3000}}

	if err := repo.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := repo.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Toggle || got.TotalLiter != 5000 || !got.Subscription {
		t.Errorf("round-tripped record lost fields: %+v", got)
	}
	if got.SubscriptionStatus != SubscriptionActive {
		t.Errorf("SubscriptionStatus = %q, want active", got.SubscriptionStatus)
	}
	if got.StartDate == nil || !got.StartDate.Equal(start) {
		t.Errorf("StartDate = %v, want %v", got.StartDate, start)
	}
	if got.DailyUsage["2026-08-01"] != 1.5 {
		t.Errorf("DailyUsage = %v", got.DailyUsage)
	}
	if len(got.PastPlans) != 1 || got.PastPlans[0].PlanName != "standard" {
		t.Errorf("PastPlans = %v", got.PastPlans)
	}
}

func TestRepositoryGetNotFound(t *testing.T) {
	repo := NewRepository(newMockStore())

	_, err := repo.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown device: err = %v, want ErrNotFound", err)
	}
}

func TestRepositoryIDRequired(t *testing.T) {
	repo := NewRepository(newMockStore())
	ctx := context.Background()

	if _, err := repo.Get(ctx, ""); !errors.Is(err, ErrIDRequired) {
		t.Errorf("Get(\"\"): err = %v, want ErrIDRequired", err)
	}
	if err := repo.Put(ctx, &Record{}); !errors.Is(err, ErrIDRequired) {
		t.Errorf("Put without ID: err = %v, want ErrIDRequired", err)
	}
	if err := repo.Merge(ctx, "", nil); !errors.Is(err, ErrIDRequired) {
		t.Errorf("Merge(\"\"): err = %v, want ErrIDRequired", err)
	}
	if err := repo.Delete(ctx, ""); !errors.Is(err, ErrIDRequired) {
		t.Errorf("Delete(\"\"): err = %v, want ErrIDRequired", err)
	}
}

func TestRepositoryMergeUsesMergeWrite(t *testing.T) {
	store := newMockStore()
	repo := NewRepository(store)

	err := repo.Merge(context.Background(), "dev-1", map[string]any{"toggle": true})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !store.lastSet.merge {
		t.Error("Merge should issue a merge write")
	}
	if store.lastSet.collection != Collection || store.lastSet.id != "dev-1" {
		t.Errorf("Merge wrote %s/%s, want %s/dev-1", store.lastSet.collection, store.lastSet.id, Collection)
	}
}

func TestRepositoryListBySubscription(t *testing.T) {
	repo := NewRepository(newMockStore())
	ctx := context.Background()

	active := NewRecord("dev-active")
	active.Subscription = true
	inactive := NewRecord("dev-inactive")

	for _, rec := range []*Record{active, inactive} {
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("Put %s: %v", rec.ID, err)
		}
	}

	got, err := repo.ListBySubscription(ctx, true)
	if err != nil {
		t.Fatalf("ListBySubscription(true): %v", err)
	}
	if len(got) != 1 || got[0].ID != "dev-active" {
		t.Errorf("active list = %v, want [dev-active]", got)
	}

	got, err = repo.ListBySubscription(ctx, false)
	if err != nil {
		t.Fatalf("ListBySubscription(false): %v", err)
	}
	if len(got) != 1 || got[0].ID != "dev-inactive" {
		t.Errorf("inactive list = %v, want [dev-inactive]", got)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List returned %d records, want 2", len(all))
	}
}

// TestRepositoryMergeProvisionedDeviceKeepsIdentity exercises the
// engine's durability path end to end over the real store: a device
// whose document only ever exists through merge patches (none of which
// carry an "id" field) must still reload with its identity intact.
func TestRepositoryMergeProvisionedDeviceKeepsIdentity(t *testing.T) {
	store, err := docstore.Open(config.DocstoreConfig{
		Path:        filepath.Join(t.TempDir(), "devices.db"),
		WALMode:     true,
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	repo := NewRepository(store)
	ctx := context.Background()

	const id = "a4:cf:12:9b:01:7e"
	err = repo.Merge(ctx, id, map[string]any{
		"toggle":          true,
		"liter":           500.0,
		"lastMessageTime": 1767196800000.0,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	records, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List returned %d records, want 1", len(records))
	}
	if records[0].ID != id {
		t.Errorf("reloaded record ID = %q, want %q", records[0].ID, id)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != id || !got.Toggle || got.Liter != 500 {
		t.Errorf("reloaded record = %+v", got)
	}
}

func TestRepositoryDelete(t *testing.T) {
	repo := NewRepository(newMockStore())
	ctx := context.Background()

	if err := repo.Put(ctx, NewRecord("dev-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := repo.Delete(ctx, "dev-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, "dev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}
