package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteVolumeDelta records a single dispensed-volume increment from a
// telemetry message.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Device identifier (e.g., "a4:cf:12:9b:01:7e")
//   - liters: The increment in liters (raw device units / 1000)
func (c *Client) WriteVolumeDelta(deviceID string, liters float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"water_volume",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"liters": liters,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDailyUsage records a flushed daily-usage bucket.
//
// Written whenever a bucket is persisted (date rollover or the
// midnight checkpoint). Because both flush paths write the same
// accumulated total, points for the same device and date supersede
// each other in dashboards keyed on the date tag.
//
// Parameters:
//   - deviceID: Device identifier
//   - date: Calendar date key (YYYY-MM-DD, server clock)
//   - liters: Accumulated liters for that date
func (c *Client) WriteDailyUsage(deviceID, date string, liters float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"daily_usage",
		map[string]string{
			"device_id": deviceID,
			"date":      date,
		},
		map[string]interface{}{
			"liters": liters,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
