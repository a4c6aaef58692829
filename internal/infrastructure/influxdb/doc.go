// Package influxdb records attendance sync runs and device liveness in
// InfluxDB using the official influxdb-client-go v2 library.
//
// Measurements:
//
//	attendance_sync   tags device_id, sync_type, status
//	                  fields new_records, updated_records, errors, attempts, duration_ms
//	device_liveness   tag device_id; fields reachable, latency_ms
//
// Writes are non-blocking and batched (influxdb.batch_size, influxdb.flush_interval).
// Write failures are delivered to the SetOnError callback; connection and
// health check errors are returned directly.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package influxdb
