package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
)

// mockStore records merges in memory.
type mockStore struct {
	mu      sync.Mutex
	records []device.Record
	merges  []mergeCall
	listErr error
}

type mergeCall struct {
	id    string
	patch map[string]any
}

func (m *mockStore) List(_ context.Context) ([]device.Record, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.records, nil
}

func (m *mockStore) Merge(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges = append(m.merges, mergeCall{id: id, patch: patch})
	return nil
}

func (m *mockStore) mergesFor(id string) []mergeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mergeCall
	for _, c := range m.merges {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

// mockPublisher records outbound payloads per topic.
type mockPublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

type published struct {
	topic   string
	payload map[string]any
}

func (m *mockPublisher) PublishDefault(topic string, payload []byte) error {
	if m.err != nil {
		return m.err
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, published{topic: topic, payload: decoded})
	return nil
}

func (m *mockPublisher) all() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.messages...)
}

// mockBroadcaster records events.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockBroadcaster) Broadcast(v any) {
	ev, ok := v.(Event)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockBroadcaster) ofType(eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine *Engine
	store  *mockStore
	pub    *mockPublisher
	hub    *mockBroadcaster
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := &mockStore{}
	pub := &mockPublisher{}
	hub := &mockBroadcaster{}

	eng := New(Options{
		Engine: config.EngineConfig{
			AckTimeout:        30 * time.Millisecond,
			LivenessInterval:  60 * time.Second,
			LivenessThreshold: 60 * time.Second,
		},
		Subscription: config.SubscriptionConfig{
			DefaultDuration: 720 * time.Hour,
			DefaultPlanName: "standard",
		},
		Store:       store,
		Publisher:   pub,
		Broadcaster: hub,
	})
	t.Cleanup(eng.sched.Stop)

	return &testEnv{engine: eng, store: store, pub: pub, hub: hub}
}

// sync waits for all in-flight async store merges.
func (env *testEnv) sync() {
	env.engine.wg.Wait()
}

func (env *testEnv) telemetry(deviceID string, fields map[string]any) {
	payload, _ := json.Marshal(fields)
	topic := env.engine.topics.DeviceStatus(deviceID)
	if err := env.engine.HandleMessage(topic, payload); err != nil {
		panic(err)
	}
}

func TestLoadSeedsTableAndRearmsExpiry(t *testing.T) {
	env := newTestEnv(t)

	start := env.engine.now().Add(-time.Hour)
	end := env.engine.now().Add(time.Hour)
	env.store.records = []device.Record{
		{ID: "dev-active", Subscription: true, SubscriptionStatus: device.SubscriptionActive, StartDate: &start, EndDate: &end},
		{ID: "dev-idle"},
	}

	if err := env.engine.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if env.engine.Table().Len() != 2 {
		t.Errorf("table size = %d, want 2", env.engine.Table().Len())
	}
	if !env.engine.sched.Pending(expiryKey("dev-active")) {
		t.Error("active subscription's expiry was not re-armed")
	}
	if env.engine.sched.Pending(expiryKey("dev-idle")) {
		t.Error("idle device got an expiry timer")
	}
}

func TestTelemetryAutoProvisionsAndBroadcastsAck(t *testing.T) {
	env := newTestEnv(t)

	env.telemetry("dev-1", map[string]any{"liter": 500.0, "toggle": true})
	env.sync()

	rec, ok := env.engine.Table().Snapshot("dev-1")
	if !ok {
		t.Fatal("device was not auto-provisioned")
	}
	if !rec.Toggle {
		t.Error("toggle flag not mirrored")
	}
	if rec.Liter != 500 {
		t.Errorf("Liter = %v, want 500", rec.Liter)
	}
	if rec.LastMessageTime == 0 {
		t.Error("lastMessageTime not stamped")
	}

	acks := env.hub.ofType(EventAck)
	if len(acks) != 1 {
		t.Fatalf("ACK events = %d, want 1", len(acks))
	}
	snap, ok := acks[0].Device.(*device.Record)
	if !ok || snap.ID != "dev-1" {
		t.Errorf("ACK carries %v, want full dev-1 record", acks[0].Device)
	}

	merges := env.store.mergesFor("dev-1")
	if len(merges) != 1 {
		t.Fatalf("merges = %d, want 1", len(merges))
	}
	if merges[0].patch["toggle"] != true {
		t.Errorf("merge patch = %v, want toggle true", merges[0].patch)
	}
}

func TestTelemetryEchoesSubscriptionWhenSelfIdentifying(t *testing.T) {
	env := newTestEnv(t)

	env.telemetry("dev-1", map[string]any{"liter": 100.0})
	if len(env.pub.all()) != 0 {
		t.Fatal("plain telemetry should not trigger an echo")
	}

	env.telemetry("dev-1", map[string]any{"id": "dev-1", "liter": 100.0})

	msgs := env.pub.all()
	if len(msgs) != 1 {
		t.Fatalf("published messages = %d, want 1", len(msgs))
	}
	if msgs[0].payload["subscriptionStatus"] != "inactive" {
		t.Errorf("echoed status = %v, want inactive", msgs[0].payload["subscriptionStatus"])
	}
	if msgs[0].payload["reset"] != true {
		t.Error("inactive echo must carry reset=true")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	env := newTestEnv(t)

	topic := env.engine.topics.DeviceStatus("dev-1")
	if err := env.engine.HandleMessage(topic, []byte("{not json")); err != nil {
		t.Fatalf("malformed payload returned error: %v", err)
	}

	if _, ok := env.engine.Table().Snapshot("dev-1"); ok {
		t.Error("malformed payload provisioned a device")
	}
	if len(env.hub.ofType(EventAck)) != 0 {
		t.Error("malformed payload produced an event")
	}
}

func TestOwnPublicationsLoopedBackAreDropped(t *testing.T) {
	env := newTestEnv(t)
	topic := env.engine.topics.DeviceStatus("dev-1")

	control, _ := json.Marshal(map[string]any{"type": "toggle", "toggle": true})
	subscription, _ := json.Marshal(map[string]any{
		"subscriptionStatus": "active", "subscription": true, "reset": false,
	})

	for _, payload := range [][]byte{control, subscription} {
		if err := env.engine.HandleMessage(topic, payload); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	if _, ok := env.engine.Table().Snapshot("dev-1"); ok {
		t.Error("looped-back publication mutated device state")
	}
}

func TestNonDeviceTopicIgnored(t *testing.T) {
	env := newTestEnv(t)

	if err := env.engine.HandleMessage("ro_water_system/system/status", []byte(`{"status":"online"}`)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if env.engine.Table().Len() != 0 {
		t.Error("system topic message provisioned a device")
	}
}

func TestPublishRaw(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.PublishRaw("dev-1", map[string]any{"type": "toggle", "toggle": false})
	if err != nil {
		t.Fatalf("PublishRaw: %v", err)
	}

	msgs := env.pub.all()
	if len(msgs) != 1 {
		t.Fatalf("published = %d, want 1", len(msgs))
	}
	if msgs[0].topic != "ro_water_system/status/dev-1" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if env.engine.acks.pendingCount() != 0 {
		t.Error("PublishRaw must not register a pending command")
	}
}
