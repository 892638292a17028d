package engine

import (
	"context"
	"time"

	"github.com/aquasync/aquasync-core/internal/device"
)

// runLiveness sweeps the device table on the configured interval until
// ctx is cancelled.
func (e *Engine) runLiveness(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(e.now())
		}
	}
}

// sweep derives online/offline for every device with a recorded
// message time. Transitions are edge-triggered: a device whose state
// already matches the derived value produces no write and no event.
func (e *Engine) sweep(now time.Time) {
	for _, id := range e.table.IDs() {
		var (
			changed bool
			online  bool
		)

		e.table.WithExisting(id, func(entry *device.Entry) {
			rec := entry.Record
			if rec.LastMessageTime == 0 {
				return
			}

			elapsed := now.Sub(time.UnixMilli(rec.LastMessageTime))
			online = elapsed <= e.cfg.LivenessThreshold
			if online == rec.Online {
				return
			}

			rec.Online = online
			changed = true
		})

		if !changed {
			continue
		}

		e.logger.Info("device liveness changed", "device_id", id, "online", online)
		e.persist(id, map[string]any{"online": online})
		e.broadcast(Event{Type: EventUpdate, Device: map[string]any{
			"id":     id,
			"online": online,
		}})
	}
}
