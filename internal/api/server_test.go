package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
	"github.com/aquasync/aquasync-core/internal/engine"
	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
	"github.com/aquasync/aquasync-core/internal/infrastructure/logging"
	"github.com/aquasync/aquasync-core/internal/infrastructure/mqtt"
)

// memRepo is an in-memory DeviceRepository.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*device.Record
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*device.Record)}
}

func (m *memRepo) Get(_ context.Context, id string) (*device.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return rec.DeepCopy(), nil
}

func (m *memRepo) List(_ context.Context) ([]device.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec.DeepCopy())
	}
	return out, nil
}

func (m *memRepo) ListBySubscription(_ context.Context, active bool) ([]device.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []device.Record
	for _, rec := range m.records {
		if rec.Subscription == active {
			out = append(out, *rec.DeepCopy())
		}
	}
	return out, nil
}

func (m *memRepo) Put(_ context.Context, rec *device.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.DeepCopy()
	return nil
}

func (m *memRepo) Merge(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		rec = device.NewRecord(id)
		m.records[id] = rec
	}
	if v, ok := patch["phone"].(string); ok {
		rec.Phone = v
	}
	if v, ok := patch["totalLiter"].(float64); ok {
		rec.TotalLiter = v
	}
	return nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return device.ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// recordingPublisher captures engine publishes.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishDefault(topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

// engineStore adapts memRepo to the engine's Store interface.
type engineStore struct{ repo *memRepo }

func (s engineStore) List(ctx context.Context) ([]device.Record, error) { return s.repo.List(ctx) }
func (s engineStore) Merge(ctx context.Context, id string, patch map[string]any) error {
	return s.repo.Merge(ctx, id, patch)
}

type apiEnv struct {
	server *Server
	eng    *engine.Engine
	repo   *memRepo
	pub    *recordingPublisher
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	repo := newMemRepo()
	pub := &recordingPublisher{}

	eng := engine.New(engine.Options{
		Engine: config.EngineConfig{
			AckTimeout:        20 * time.Millisecond,
			LivenessInterval:  60 * time.Second,
			LivenessThreshold: 60 * time.Second,
		},
		Subscription: config.SubscriptionConfig{
			DefaultDuration: 720 * time.Hour,
			DefaultPlanName: "standard",
		},
		Store:     engineStore{repo: repo},
		Publisher: pub,
	})

	srv, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:  logging.Default(),
		Core:    eng,
		Devices: repo,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &apiEnv{server: srv, eng: eng, repo: repo, pub: pub}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	env.server.buildRouter().ServeHTTP(rr, req)
	return rr
}

// telemetry feeds a device message through the engine's transport
// handler, as the broker would.
func (env *apiEnv) telemetry(t *testing.T, deviceID string, fields map[string]any) {
	t.Helper()

	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("encode telemetry: %v", err)
	}
	topics := mqtt.Topics{}
	if err := env.eng.HandleMessage(topics.DeviceStatus(deviceID), payload); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestCreateDevice(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodPost, "/api/devices", map[string]any{"phone": "+911234567890"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	created := decode[device.Record](t, rr)
	if created.ID == "" {
		t.Fatal("no ID generated")
	}
	if created.Phone != "+911234567890" {
		t.Errorf("phone = %q", created.Phone)
	}
	if created.SubscriptionStatus != device.SubscriptionInactive {
		t.Errorf("status = %q, want inactive", created.SubscriptionStatus)
	}

	// Seeded into the engine table, addressable before first message.
	if _, ok := env.eng.Table().Snapshot(created.ID); !ok {
		t.Error("created device not seeded into engine table")
	}
}

func TestCreateDeviceWithExplicitID(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "a4:cf:12:9b:01:7e"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}
	created := decode[device.Record](t, rr)
	if created.ID != "a4:cf:12:9b:01:7e" {
		t.Errorf("ID = %q", created.ID)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodGet, "/api/devices/ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestListBySubscriptionAndTotal(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	active := device.NewRecord("dev-active")
	active.Subscription = true
	env.repo.Put(ctx, active)
	env.repo.Put(ctx, device.NewRecord("dev-inactive"))

	rr := env.do(t, http.MethodGet, "/api/devices/active", nil)
	if got := decode[[]device.Record](t, rr); len(got) != 1 || got[0].ID != "dev-active" {
		t.Errorf("active = %v", got)
	}

	rr = env.do(t, http.MethodGet, "/api/devices/inactive", nil)
	if got := decode[[]device.Record](t, rr); len(got) != 1 || got[0].ID != "dev-inactive" {
		t.Errorf("inactive = %v", got)
	}

	rr = env.do(t, http.MethodGet, "/api/devices/total", nil)
	if got := decode[map[string]int](t, rr); got["total"] != 2 {
		t.Errorf("total = %v", got)
	}
}

func TestCreateDeviceConflict(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "dev-1", "phone": "+911111111111"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "dev-1", "phone": "+922222222222"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}

	rec, err := env.repo.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Phone != "+911111111111" {
		t.Errorf("phone = %q, existing record was overwritten", rec.Phone)
	}
}

func TestUpdateDevicePreservesEngineState(t *testing.T) {
	env := newAPIEnv(t)
	env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "dev-1"})

	env.telemetry(t, "dev-1", map[string]any{"liter": 500.0})

	rr := env.do(t, http.MethodPut, "/api/devices/dev-1", map[string]any{"phone": "+911234567890"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	env.telemetry(t, "dev-1", map[string]any{"liter": 300.0})

	env.eng.Table().With("dev-1", func(entry *device.Entry) {
		rec := entry.Record
		if rec.Phone != "+911234567890" {
			t.Errorf("phone = %q, patch not applied in memory", rec.Phone)
		}
		if rec.LastMessageTime == 0 {
			t.Error("lastMessageTime lost by update")
		}
		if rec.Liter != 300 {
			t.Errorf("liter = %v, want 300", rec.Liter)
		}
		if entry.Cursor == nil {
			t.Fatal("usage cursor lost by update")
		}
		if entry.Cursor.Liters != 0.8 {
			t.Errorf("cursor liters = %v, want 0.8", entry.Cursor.Liters)
		}
	})
}

func TestDeleteDeviceRemovesFromEngine(t *testing.T) {
	env := newAPIEnv(t)

	env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "dev-1"})

	rr := env.do(t, http.MethodDelete, "/api/devices/dev-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if _, ok := env.eng.Table().Snapshot("dev-1"); ok {
		t.Error("deleted device still in engine table")
	}

	rr = env.do(t, http.MethodDelete, "/api/devices/dev-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestControlTimeout(t *testing.T) {
	env := newAPIEnv(t)
	env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "dev-1"})

	rr := env.do(t, http.MethodPost, "/api/devices/control", map[string]any{
		"deviceId": "dev-1",
		"toggle":   true,
	})
	if rr.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rr.Code)
	}
	if env.pub.count() != 1 {
		t.Errorf("publishes = %d, want 1", env.pub.count())
	}
}

func TestControlRequiresDeviceID(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodPost, "/api/devices/control", map[string]any{"toggle": true})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestUpdateSubscription(t *testing.T) {
	env := newAPIEnv(t)
	env.do(t, http.MethodPost, "/api/devices", map[string]any{"id": "dev-1"})

	rr := env.do(t, http.MethodPost, "/api/devices/update-subscription", map[string]any{
		"deviceId": "dev-1",
		"status":   "active",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rec, _ := env.eng.Table().Snapshot("dev-1")
	if !rec.Subscription {
		t.Error("engine record not activated")
	}

	rr = env.do(t, http.MethodPost, "/api/devices/update-subscription", map[string]any{
		"deviceId": "dev-1",
		"status":   "paused",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid status code = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/devices/update-subscription", map[string]any{
		"deviceId": "ghost",
		"status":   "active",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown device code = %d, want 404", rr.Code)
	}
}

func TestPublishRawEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rr := env.do(t, http.MethodPost, "/api/mqtt/publish", map[string]any{
		"deviceId": "dev-1",
		"payload":  map[string]any{"type": "toggle", "toggle": false},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if env.pub.count() != 1 {
		t.Errorf("publishes = %d, want 1", env.pub.count())
	}

	rr = env.do(t, http.MethodPost, "/api/mqtt/publish", map[string]any{"deviceId": "dev-1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing payload code = %d, want 400", rr.Code)
	}
}
