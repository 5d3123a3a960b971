// Package config loads the server-side configuration from the `server:` section
// of config.yaml.
//
// Config fields:
//   - HTTPPort             port for the admin API, /metrics and /ws (default 8000)
//   - LogLevel             debug | info | warn | error (default info)
//   - Database.Path        SQLite file holding owners, rooms and endpoints
//   - Auth.Mode            "apikey" or "none"
//   - Auth.Header          HTTP header carrying the API key (default "API-KEY")
//   - WebSocket.*          allowed origins, frame size, send buffer, rate limit
//   - Webhook.*            delivery worker count, queue size, request timeout
//   - Metrics.Enabled      serve Prometheus text at /metrics
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, rt) reloads the file into a Runtime; only settings read per
// connection (log level, rate limit) take effect without a restart.
package config
