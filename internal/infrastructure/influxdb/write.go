package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSync     = "attendance_sync"
	MeasurementLiveness = "device_liveness"
)

// SyncRun summarises one finished reconciliation run.
type SyncRun struct {
	DeviceID       string
	SyncType       string
	Status         string
	NewRecords     int
	UpdatedRecords int
	Errors         int
	Attempts       int
	Duration       time.Duration
}

// WriteSyncMetric records a finished sync run. Tags are device, type and
// status; the counters and duration are fields.
func (c *Client) WriteSyncMetric(run SyncRun) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(syncRunPoint(run, time.Now()))
}

// WriteDeviceLiveness records one reachability check of a device.
func (c *Client) WriteDeviceLiveness(deviceID string, reachable bool, latency time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(livenessPoint(deviceID, reachable, latency, time.Now()))
}

func syncRunPoint(run SyncRun, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSync,
		map[string]string{
			"device_id": run.DeviceID,
			"sync_type": run.SyncType,
			"status":    run.Status,
		},
		map[string]any{
			"new_records":     run.NewRecords,
			"updated_records": run.UpdatedRecords,
			"errors":          run.Errors,
			"attempts":        run.Attempts,
			"duration_ms":     run.Duration.Milliseconds(),
		},
		at,
	)
}

func livenessPoint(deviceID string, reachable bool, latency time.Duration, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementLiveness,
		map[string]string{"device_id": deviceID},
		map[string]any{
			"reachable":  reachable,
			"latency_ms": latency.Milliseconds(),
		},
		at,
	)
}
