// Package config loads the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: host, port, path, tls, insecure_skip_verify, reconnect_delay,
//     max_reconnect_delay, ping_interval, ping_timeout, auth; URL() builds
//     the ws:// or wss:// endpoint
//   - AuthConfig: header, key_env; Key() resolves from the environment
//
// Load(path) reads the YAML file, applies defaults (localhost:8098/ws, 60s
// reconnect delay, 30s ping interval, 10s ping timeout), then validates.
// max_reconnect_delay defaults to reconnect_delay, giving a constant delay.
package config
