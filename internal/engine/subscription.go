package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
)

// expiryKey is the scheduler key for one device's entitlement expiry.
func expiryKey(deviceID string) string {
	return "expiry:" + deviceID
}

// SetSubscription transitions a device's entitlement. Activation opens
// a new window and schedules its expiry; deactivation archives the
// current window immediately. The device is looked up in the table
// only: unknown devices are rejected with device.ErrNotFound.
func (e *Engine) SetSubscription(ctx context.Context, deviceID string, status device.SubscriptionStatus) error {
	if deviceID == "" {
		return device.ErrIDRequired
	}

	switch status {
	case device.SubscriptionActive:
		return e.activate(ctx, deviceID)
	case device.SubscriptionInactive:
		return e.deactivate(ctx, deviceID)
	default:
		return ErrInvalidStatus
	}
}

// activate opens an entitlement window [now, now+duration] and arms
// the one-shot expiry. Re-activating an already active device replaces
// its window and its pending expiry.
func (e *Engine) activate(_ context.Context, deviceID string) error {
	now := e.now()
	end := now.Add(e.subCfg.DefaultDuration)

	var snapshot *device.Record

	found := e.table.WithExisting(deviceID, func(entry *device.Entry) {
		rec := entry.Record
		if rec.PlanName == "" {
			rec.PlanName = e.subCfg.DefaultPlanName
		}
		start := now
		rec.Subscription = true
		rec.SubscriptionStatus = device.SubscriptionActive
		rec.StartDate = &start
		rec.EndDate = &end
		snapshot = rec.DeepCopy()
	})
	if !found {
		return device.ErrNotFound
	}

	e.persist(deviceID, map[string]any{
		"planName":           snapshot.PlanName,
		"subscription":       true,
		"subscriptionStatus": string(device.SubscriptionActive),
		"startDate":          snapshot.StartDate.Format(time.RFC3339Nano),
		"endDate":            snapshot.EndDate.Format(time.RFC3339Nano),
	})

	e.scheduleExpiry(deviceID, end.Sub(now))
	e.publishSubscription(deviceID, snapshot)
	e.broadcast(Event{Type: EventUpdate, Device: subscriptionDelta(snapshot)})

	e.logger.Info("subscription activated",
		"device_id", deviceID, "plan", snapshot.PlanName, "end_date", end)
	return nil
}

// deactivate archives the device's current window. Cancelling the
// pending expiry is belt and braces: a timer that still fires against
// the already-inactive record is a no-op.
func (e *Engine) deactivate(_ context.Context, deviceID string) error {
	e.sched.Cancel(expiryKey(deviceID))

	var (
		snapshot *device.Record
		expired  bool
		patch    map[string]any
	)

	found := e.table.WithExisting(deviceID, func(entry *device.Entry) {
		expired = expireLocked(entry.Record)
		if expired {
			patch = expiryPatch(entry.Record)
		}
		snapshot = entry.Record.DeepCopy()
	})
	if !found {
		return device.ErrNotFound
	}
	if !expired {
		return nil
	}

	e.finishExpiry(deviceID, snapshot, patch)
	return nil
}

// scheduleExpiry arms (or re-arms) the one-shot entitlement expiry.
func (e *Engine) scheduleExpiry(deviceID string, in time.Duration) {
	e.sched.Schedule(expiryKey(deviceID), in, func() {
		e.expireDevice(deviceID)
	})
}

// expireDevice is the scheduled expiry path. It reconciles with the
// opportunistic exhaustion check through expireLocked's idempotence:
// whichever fires first wins and the other is a no-op.
func (e *Engine) expireDevice(deviceID string) {
	var (
		snapshot *device.Record
		expired  bool
		patch    map[string]any
	)

	e.table.WithExisting(deviceID, func(entry *device.Entry) {
		expired = expireLocked(entry.Record)
		if expired {
			patch = expiryPatch(entry.Record)
			snapshot = entry.Record.DeepCopy()
		}
	})

	if !expired {
		return
	}
	e.logger.Info("subscription window expired", "device_id", deviceID)
	e.finishExpiry(deviceID, snapshot, patch)
}

// finishExpiry performs the side effects of an active→inactive
// transition: persist, notify the device, notify observers.
func (e *Engine) finishExpiry(deviceID string, snapshot *device.Record, patch map[string]any) {
	e.persist(deviceID, patch)
	e.publishSubscription(deviceID, snapshot)
	e.broadcast(Event{Type: EventUpdate, Device: subscriptionDelta(snapshot)})
}

// checkExhaustion runs the opportunistic entitlement check on the
// telemetry path: the window has lapsed, or accrued usage exceeds the
// volume cap. Must run inside the device's critical section. Returns
// true when this call performed the active→inactive transition.
func (e *Engine) checkExhaustion(entry *device.Entry, now time.Time) bool {
	rec := entry.Record
	if !rec.Subscription || rec.EndDate == nil {
		return false
	}

	timeUp := now.After(*rec.EndDate)
	overCap := rec.TotalLiter > 0 && rec.UsedLiters(entry.Cursor) > rec.TotalLiterCap()
	if !timeUp && !overCap {
		return false
	}

	e.logger.Info("subscription exhausted",
		"device_id", rec.ID, "time_up", timeUp, "over_cap", overCap)
	return expireLocked(rec)
}

// expireLocked performs the active→inactive transition on a record:
// archive the window into pastPlans, drop the entitlement flags, clear
// the window. Idempotent: returns false without touching the record
// when it is already inactive, so repeated triggers (scheduled expiry,
// exhaustion check, manual deactivation) archive exactly once.
func expireLocked(rec *device.Record) bool {
	if !rec.Subscription {
		return false
	}

	rec.PastPlans = append(rec.PastPlans, device.PastPlan{
		PlanName:   rec.PlanName,
		StartDate:  rec.StartDate,
		EndDate:    rec.EndDate,
		TotalLiter: rec.TotalLiter,
	})
	rec.Subscription = false
	rec.SubscriptionStatus = device.SubscriptionInactive
	rec.StartDate = nil
	rec.EndDate = nil
	return true
}

// expiryPatch is the store patch for a just-expired record. pastPlans
// is replaced wholesale; the merge treats non-map values that way.
func expiryPatch(rec *device.Record) map[string]any {
	past := make([]any, 0, len(rec.PastPlans))
	for _, p := range rec.PastPlans {
		entry := map[string]any{
			"planName":   p.PlanName,
			"totalLiter": p.TotalLiter,
		}
		if p.StartDate != nil {
			entry["startDate"] = p.StartDate.Format(time.RFC3339Nano)
		}
		if p.EndDate != nil {
			entry["endDate"] = p.EndDate.Format(time.RFC3339Nano)
		}
		past = append(past, entry)
	}

	return map[string]any{
		"subscription":       false,
		"subscriptionStatus": string(device.SubscriptionInactive),
		"startDate":          nil,
		"endDate":            nil,
		"pastPlans":          past,
	}
}

// publishSubscription sends the device its current entitlement state.
// The payload always carries reset = !subscription, so an inactive
// device is told to reset and an active one is told not to.
func (e *Engine) publishSubscription(deviceID string, rec *device.Record) {
	payload, err := json.Marshal(map[string]any{
		"subscriptionStatus": string(rec.SubscriptionStatus),
		"subscription":       rec.Subscription,
		"reset":              !rec.Subscription,
	})
	if err != nil {
		e.logger.Error("failed to encode subscription update", "device_id", deviceID, "error", err)
		return
	}

	if err := e.pub.PublishDefault(e.topics.DeviceStatus(deviceID), payload); err != nil {
		e.logger.Error("subscription publish failed", "device_id", deviceID, "error", err)
	}
}

// subscriptionDelta is the observer payload for an entitlement change.
func subscriptionDelta(rec *device.Record) map[string]any {
	return map[string]any{
		"id":                 rec.ID,
		"subscription":       rec.Subscription,
		"subscriptionStatus": rec.SubscriptionStatus,
		"startDate":          rec.StartDate,
		"endDate":            rec.EndDate,
	}
}
