// Package config loads and watches the server configuration (config.yaml).
//
// Sections:
//   - server: http_port (default 8098), grpc_port (0 = disabled),
//     auth (apikey|none), ws write_timeout/heartbeat/queue_size
//   - status_source: url of the backup service status API, optional
//     Prometheus metrics_url, request timeout
//   - updater: reporting_interval, backup_stale, long_term_stale,
//     max_refresh, notify_for_stale_backups, notify_delay, error_grace,
//     backoff base/max
//   - notifications: status_url and notification targets
//     (slack|teams|http|homeassistant) whose URLs and tokens are resolved
//     from environment variables
//
// Load(path) applies defaults before unmarshalling, then validates.
//
// Watch(ctx, path, onChange) uses fsnotify on the file's directory to detect
// writes and atomic replacements (vim, VS Code) and calls onChange with the
// newly parsed Config. Invalid files are logged and ignored.
package config
