// Package mqtt provides MQTT client connectivity for AquaSync Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for engine offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The RO water devices and the engine share one bidirectional topic
// per device:
//
//	ro_water_system/status/{deviceID}
//
// Devices publish telemetry and command acknowledgments to it; the
// engine publishes control commands and subscription updates to the
// same topic. The router therefore classifies payloads by shape and
// drops the engine's own loopback messages.
//
// Delivery is assumed at-least-once at best: the engine tolerates
// duplicate and out-of-order messages, and per-device ordering is
// preserved by the paho ordered-delivery mode plus the engine's
// per-device serialization.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        // route to the engine
//	        return nil
//	    })
package mqtt
