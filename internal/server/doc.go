// Package server provides the HTTP surface of flowproxy.
//
// Routes:
//
//   - GET /health: liveness with service name and timestamp
//   - PUT /sessions/{sessionID}/flows: run a turn; body {"user_prompt": "...",
//     "streaming": true}. Streaming responses are newline-delimited JSON
//     events (start, content, complete, error) sent as text/plain and flushed
//     per event. With "streaming": false the body is a single JSON result.
//   - GET /sessions/{sessionID}: the in-memory session snapshot
//   - GET /sessions/{sessionID}/flows: recorded turns when history is enabled
//   - GET /events: turn lifecycle events as server-sent events
//   - GET /config: effective configuration with secrets redacted
//
// Errors use the envelope {"error": {"code", "message", "details"}}.
package server
