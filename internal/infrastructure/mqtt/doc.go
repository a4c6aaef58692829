// Package mqtt publishes attendance events to an MQTT broker and accepts
// sync requests from it.
//
// Topics (see Topics):
//
//	bioauth/attendance/{device}/punch   realtime punches
//	bioauth/sync/{device}/result        completed sync runs
//	bioauth/device/{device}/status      retained device reachability
//	bioauth/request/sync/{device}       inbound sync trigger
//	bioauth/system/status               retained service status and Last Will
//
// The client reconnects with backoff and replays its subscriptions. Use TLS
// (mqtt.broker.tls) whenever the broker is not on localhost.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.PublishJSON(mqtt.Topics{}.SyncResult("1"), run, false)
package mqtt
