// Package config provides configuration loading for AquaSync Core.
//
// Configuration is layered: hardcoded defaults, then a YAML file,
// then AQUASYNC_* environment variable overrides. The loaded Config
// is validated before use; an invalid configuration aborts startup.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
//
// Engine timing (ack timeout, liveness sweep interval and threshold)
// and the subscription window length live here so tests can shrink
// them without touching the engine.
package config
