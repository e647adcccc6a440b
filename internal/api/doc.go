// Package api implements the HTTP REST API and WebSocket server for WearLink Core.
//
// This package provides:
//   - REST endpoints for the host contract: session lifecycle, store link,
//     device listing, open-application and send
//   - Per-device event history when the journal is enabled
//   - WebSocket hub that streams DEVICE, RECEIVE, APP_OPENED and LOG events
//   - Optional MQTT command bridge (wearlink/command/{id}/{verb})
//   - Optional bearer-token authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between the host (a UI, a script, the wearlink CLI)
// and the device Registry. Commands are forwarded to the Registry and
// answered with its result values; device faults come back as result codes,
// never as HTTP errors. Events leave the Registry through the event bus, and
// the Hub is one of the bus sinks.
//
// # Security
//
// Authentication is off until security.jwt.secret is set. With a secret,
// every route except /health requires an HS256 bearer token, and WebSocket
// connections use single-use tickets so the token never appears in a URL.
//
// # Graceful Degradation
//
// The server operates without MQTT and without the history journal. The
// history route answers 503 when the journal is disabled.
package api
