// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "25s"
//	  heartbeat_timeout: "75s"
//	  sweep_interval: "30s"
//
// The heartbeat timeout must exceed the interval; the defaults keep it
// at three intervals so one or two missed beats don't flip a node
// offline.
package config
