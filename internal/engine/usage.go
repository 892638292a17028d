package engine

import (
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
)

// checkpointKey is the scheduler key for the midnight usage flush.
const checkpointKey = "usage:checkpoint"

// flushedBucket is a completed daily-usage bucket produced by a date
// rollover, to be mirrored into the store and the time-series mirror.
type flushedBucket struct {
	date   string
	liters float64
}

// recordDelta folds the record's current Liter value (raw device
// units) into the device's daily-usage cursor. Must run inside the
// device's critical section.
//
// The cursor accumulates for one calendar date. When the event date
// differs from the cursor's, the finished day is flushed into
// DailyUsage and a new cursor starts; the returned bucket is non-nil
// only on such a rollover.
func (e *Engine) recordDelta(entry *device.Entry, now time.Time) *flushedBucket {
	rec := entry.Record
	liters := rec.Liter / 1000
	date := now.Format(device.DateKey)

	if entry.Cursor == nil {
		entry.Cursor = &device.UsageCursor{Date: date, Liters: liters}
		return nil
	}

	if entry.Cursor.Date == date {
		entry.Cursor.Liters += liters
		return nil
	}

	// Day rolled over: the prior date's total is final.
	flushed := &flushedBucket{
		date:   entry.Cursor.Date,
		liters: entry.Cursor.Liters,
	}
	if rec.DailyUsage == nil {
		rec.DailyUsage = make(map[string]float64)
	}
	rec.DailyUsage[flushed.date] = flushed.liters

	entry.Cursor = &device.UsageCursor{Date: date, Liters: liters}
	return flushed
}

// scheduleCheckpoint arms the durability checkpoint for the next local
// midnight.
func (e *Engine) scheduleCheckpoint() {
	now := e.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	e.sched.Schedule(checkpointKey, next.Sub(now), e.runCheckpoint)
}

// runCheckpoint flushes every device's cursor into its persisted
// DailyUsage map without resetting the running total, then re-arms
// itself for 24 hours later.
//
// This is a durability checkpoint, not a rollover: the cursor keeps
// accumulating, and because both flush paths write the cursor's full
// total under the same date key, repeated flushes are idempotent.
func (e *Engine) runCheckpoint() {
	flushedDevices := 0

	for _, id := range e.table.IDs() {
		var (
			date   string
			liters float64
			found  bool
		)

		e.table.WithExisting(id, func(entry *device.Entry) {
			if entry.Cursor == nil {
				return
			}
			if entry.Record.DailyUsage == nil {
				entry.Record.DailyUsage = make(map[string]float64)
			}
			entry.Record.DailyUsage[entry.Cursor.Date] = entry.Cursor.Liters
			date = entry.Cursor.Date
			liters = entry.Cursor.Liters
			found = true
		})

		if !found {
			continue
		}
		flushedDevices++

		e.persist(id, map[string]any{
			"dailyUsage": map[string]any{date: liters},
		})
		if e.usage != nil {
			e.usage.WriteDailyUsage(id, date, liters)
		}
	}

	if flushedDevices > 0 {
		e.logger.Info("usage checkpoint flushed", "devices", flushedDevices)
	}

	e.sched.Schedule(checkpointKey, 24*time.Hour, e.runCheckpoint)
}
