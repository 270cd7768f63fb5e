// Package config loads relay configuration from TOML files.
//
// # Overview
//
// One file tunes every component. Absent keys keep built-in defaults,
// so a minimal file names only what changes:
//
//	log_level = "debug"
//
//	[router]
//	queue_capacity = 500
//	retry_base_delay = "250ms"
//
//	[router.dispatch_rates]
//	critical = 100
//
//	[events]
//	history_size = 5000
//
//	[nats]
//	url = "nats://relay-bus:4222"
//
//	[heartbeat]
//	interval = "3s"
//	timeout = "10s"
//
//	[telemetry]
//	enabled = true
//	endpoint = "localhost:4317"
//
// Durations are strings in Go syntax ("500ms", "1m30s").
//
// # Loading
//
// Load walks the standard paths (./relay.toml, then
// ~/.config/agentrelay/relay.toml, then ~/.agentrelay/relay.toml) and
// reads the first file it finds. A missing file is not an error; the
// defaults apply.
//
//	cfg, path, err := config.Load()
//	if err != nil {
//	    log.Fatalf("config %s: %v", path, err)
//	}
//
// # Mapping
//
// Sections map onto component configurations; runtime collaborators
// stay the caller's responsibility.
//
//	rcfg := cfg.RouterConfig()
//	rcfg.Registry = reg
//	rcfg.Channel = channel
//	rcfg.Bus = bus
//	r, err := router.New(rcfg)
package config
