package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
	"github.com/aquasync/aquasync-core/internal/infrastructure/config"
	"github.com/aquasync/aquasync-core/internal/infrastructure/logging"
	"github.com/aquasync/aquasync-core/internal/infrastructure/mqtt"
	"github.com/aquasync/aquasync-core/internal/schedule"
)

// persistTimeout bounds each asynchronous store merge.
const persistTimeout = 10 * time.Second

// Publisher hands outbound messages to the transport.
type Publisher interface {
	PublishDefault(topic string, payload []byte) error
}

// Store is the durable mirror of the device table.
type Store interface {
	List(ctx context.Context) ([]device.Record, error)
	Merge(ctx context.Context, id string, patch map[string]any) error
}

// UsageRecorder mirrors usage telemetry into a time-series store.
// A nil recorder disables the mirror.
type UsageRecorder interface {
	WriteVolumeDelta(deviceID string, liters float64)
	WriteDailyUsage(deviceID, date string, liters float64)
}

// Options configures a new Engine.
type Options struct {
	Engine       config.EngineConfig
	Subscription config.SubscriptionConfig
	Store        Store
	Publisher    Publisher
	Broadcaster  Broadcaster
	Usage        UsageRecorder
	Logger       *logging.Logger
}

// Engine is the synchronization core tying the transport, the device
// table, the store mirror, and the observer fanout together.
type Engine struct {
	cfg    config.EngineConfig
	subCfg config.SubscriptionConfig
	logger *logging.Logger

	table  *device.Table
	store  Store
	pub    Publisher
	fanout Broadcaster
	usage  UsageRecorder

	sched  *schedule.Scheduler
	acks   *correlator
	topics mqtt.Topics

	// now is swappable for tests.
	now func() time.Time

	wg sync.WaitGroup
}

// New creates an Engine. Store, Publisher, and Broadcaster are
// required; Usage and Logger may be nil.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Engine{
		cfg:    opts.Engine,
		subCfg: opts.Subscription,
		logger: logger.With("component", "engine"),
		table:  device.NewTable(),
		store:  opts.Store,
		pub:    opts.Publisher,
		fanout: opts.Broadcaster,
		usage:  opts.Usage,
		sched:  schedule.New(),
		acks:   newCorrelator(opts.Engine.AckTimeout),
		now:    time.Now,
	}
}

// Load seeds the device table from the store and re-arms the expiry
// timer of every subscription still inside its window. Subscriptions
// whose window lapsed while the engine was down expire immediately.
func (e *Engine) Load(ctx context.Context) error {
	records, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading device records: %w", err)
	}
	e.table.Load(records)

	now := e.now()
	for _, rec := range records {
		if !rec.Subscription || rec.EndDate == nil {
			continue
		}
		e.scheduleExpiry(rec.ID, rec.EndDate.Sub(now))
	}

	e.logger.Info("device table loaded", "devices", len(records))
	return nil
}

// Run drives the periodic work: the liveness sweep loop and the
// midnight usage checkpoint. It blocks until ctx is cancelled, then
// stops the scheduler and waits for in-flight store merges.
func (e *Engine) Run(ctx context.Context) {
	e.scheduleCheckpoint()
	e.runLiveness(ctx)

	e.sched.Stop()
	e.wg.Wait()
}

// Table exposes the in-memory state table for read paths.
func (e *Engine) Table() *device.Table {
	return e.table
}

// handleTelemetry applies one telemetry message: mirror the reported
// flags, accumulate usage, stamp lastMessageTime, and run the
// opportunistic entitlement exhaustion check. All mutation happens
// inside the device's critical section; publishes, broadcasts, and
// store merges are collected and performed after it.
func (e *Engine) handleTelemetry(deviceID string, msg map[string]any) {
	now := e.now()

	var (
		patch    = make(map[string]any)
		snapshot *device.Record
		volume   float64
		flushed  *flushedBucket
		expired  bool
	)

	e.table.With(deviceID, func(entry *device.Entry) {
		rec := entry.Record

		for _, flag := range []string{"control", "toggle", "damper", "backup"} {
			v, ok := msg[flag].(bool)
			if !ok {
				continue
			}
			switch flag {
			case "control":
				rec.Control = v
			case "toggle":
				rec.Toggle = v
			case "damper":
				rec.Damper = v
			case "backup":
				rec.Backup = v
			}
			patch[flag] = v
		}

		if raw, ok := msg["liter"].(float64); ok && raw > 0 {
			rec.Liter = raw
			patch["liter"] = raw
			volume = raw / 1000
			flushed = e.recordDelta(entry, now)
		}

		rec.LastMessageTime = now.UnixMilli()
		patch["lastMessageTime"] = rec.LastMessageTime

		if e.checkExhaustion(entry, now) {
			expired = true
			mergeInto(patch, expiryPatch(rec))
		}

		snapshot = rec.DeepCopy()
	})

	if flushed != nil {
		patch["dailyUsage"] = map[string]any{flushed.date: flushed.liters}
		if e.usage != nil {
			e.usage.WriteDailyUsage(deviceID, flushed.date, flushed.liters)
		}
	}
	if volume > 0 && e.usage != nil {
		e.usage.WriteVolumeDelta(deviceID, volume)
	}

	e.persist(deviceID, patch)
	e.broadcast(Event{Type: EventAck, Device: snapshot})

	if expired {
		e.sched.Cancel(expiryKey(deviceID))
		e.publishSubscription(deviceID, snapshot)
		e.broadcast(Event{Type: EventUpdate, Device: subscriptionDelta(snapshot)})
	}

	// Devices that identify themselves (or echo a control flag) get the
	// current entitlement state published back, so a freshly booted
	// device converges without waiting for an administrative action.
	_, hasID := msg["id"]
	_, hasControl := msg["control"]
	if !expired && (hasID || hasControl) {
		e.publishSubscription(deviceID, snapshot)
	}
}

// handleAck resolves the pending command for a device, applies the
// command's effect to the record, and broadcasts the updated state.
// Unsolicited status messages still refresh lastMessageTime.
func (e *Engine) handleAck(deviceID string) {
	now := e.now()
	cmdPatch, resolved := e.acks.acknowledge(deviceID)

	patch := map[string]any{}
	var snapshot *device.Record

	e.table.With(deviceID, func(entry *device.Entry) {
		rec := entry.Record

		if resolved {
			if v, ok := cmdPatch["toggle"].(bool); ok {
				rec.Toggle = v
			}
			if v, ok := cmdPatch["control"].(bool); ok {
				rec.Control = v
			}
			mergeInto(patch, cmdPatch)
		}

		rec.LastMessageTime = now.UnixMilli()
		patch["lastMessageTime"] = rec.LastMessageTime
		snapshot = rec.DeepCopy()
	})

	if resolved {
		e.logger.Debug("command acknowledged", "device_id", deviceID)
	}

	e.persist(deviceID, patch)
	e.broadcast(Event{Type: EventAck, Device: snapshot})
}

// IssueControl publishes a toggle command to the device and returns a
// handle that resolves on acknowledgment or after the ack timeout. A
// publish failure resolves the handle immediately; nothing is
// registered and no state changes.
func (e *Engine) IssueControl(deviceID string, toggle bool) *Handle {
	payload, err := json.Marshal(map[string]any{
		"type":   "toggle",
		"toggle": toggle,
	})
	if err != nil {
		e.logger.Error("failed to encode control command", "device_id", deviceID, "error", err)
		return failedHandle()
	}

	if err := e.pub.PublishDefault(e.topics.DeviceStatus(deviceID), payload); err != nil {
		e.logger.Error("control publish failed", "device_id", deviceID, "error", err)
		return failedHandle()
	}

	h := e.acks.track(deviceID, map[string]any{"toggle": toggle})
	e.logger.Debug("control command issued", "device_id", deviceID, "command_id", h.ID, "toggle", toggle)
	return h
}

// PublishRaw sends an arbitrary payload to the device's status topic
// without acknowledgment correlation (fire-and-forget).
func (e *Engine) PublishRaw(deviceID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if err := e.pub.PublishDefault(e.topics.DeviceStatus(deviceID), data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// persist asynchronously merges a patch into the device's stored
// document. Failures are logged; in-memory state is not rolled back.
func (e *Engine) persist(deviceID string, patch map[string]any) {
	if len(patch) == 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := e.store.Merge(ctx, deviceID, patch); err != nil {
			e.logger.Error("store merge failed", "device_id", deviceID, "error", err)
		}
	}()
}

func (e *Engine) broadcast(ev Event) {
	if e.fanout != nil {
		e.fanout.Broadcast(ev)
	}
}

// mergeInto shallow-merges src into dst.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
