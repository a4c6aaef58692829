// Package api serves the bioauth HTTP API and the realtime websocket feed.
//
// Routes live under /api/v1:
//
//	GET  /health              dependency checks (503 when any fails)
//	GET  /sync                recent sync logs and device state
//	POST /sync                run an attendance sync
//	POST /sync/employees      pull the device roster
//	GET  /sync/info           last sync time and record counters
//	POST /sync/mark-synced    flag every stored record as synced
//	GET  /device/ping         device reachability
//	GET  /device/info         device identity and counters
//	GET  /employees           stored employees
//	GET  /attendance          stored punches, filterable by range and user
//	GET  /ws                  websocket event feed
//
// Failed requests answer {"error": {"code", "message"}}. A failed sync also
// carries the sync_id of its log so the run can be looked up later.
//
// # Websocket
//
// Clients receive "attendance.punch" and "sync.completed" events. The
// channels query parameter narrows the initial subscription, and clients
// may send subscribe/unsubscribe messages at any time.
//
// The server follows the same lifecycle as the other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
