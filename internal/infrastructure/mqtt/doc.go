// Package mqtt publishes WearLink events to an MQTT broker and carries
// device commands from it.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Last Will and Testament on wearlink/system/status
//   - Event publishing (EventPublisher is an events.Sink)
//   - Command topic subscriptions, restored after reconnect
//
// # Topics
//
//	wearlink/event/{type}               every event of that type
//	wearlink/event/{type}/{device_id}   events concerning one device
//	wearlink/command/{device_id}/{verb} host commands (send, open)
//	wearlink/system/status              retained online/offline status
//
// Event payloads are JSON: {"event_type", "timestamp", "payload"}. They are
// published with the configured QoS and never retained.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bus.Subscribe(mqtt.NewEventPublisher(client))
package mqtt
