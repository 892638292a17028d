package engine

import "encoding/json"

// HandleMessage is the transport handler for the device status
// wildcard subscription. It extracts the device ID from the topic and
// classifies the payload:
//
//   - type "status": a command acknowledgment.
//   - type "toggle" or a subscriptionStatus field: the engine's own
//     outbound publication looped back on the bidirectional topic;
//     dropped.
//   - anything else: telemetry.
//
// Unknown devices are accepted and auto-provisioned by the telemetry
// path. Malformed payloads are logged and dropped; the handler never
// returns an error for them, so one bad message cannot stall the
// subscription.
func (e *Engine) HandleMessage(topic string, payload []byte) error {
	deviceID, ok := e.topics.DeviceIDFromStatusTopic(topic)
	if !ok {
		e.logger.Debug("message outside device status hierarchy", "topic", topic)
		return nil
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warn("dropping malformed device message",
			"device_id", deviceID, "error", err)
		return nil
	}

	switch {
	case msg["type"] == "status":
		e.handleAck(deviceID)
	case msg["type"] == "toggle":
		// Own control publication echoed back.
	case hasField(msg, "subscriptionStatus"):
		// Own subscription publication echoed back.
	default:
		e.handleTelemetry(deviceID, msg)
	}
	return nil
}

func hasField(msg map[string]any, key string) bool {
	_, ok := msg[key]
	return ok
}
