// Package history keeps an optional SQLite record of completed turns.
//
// Each session key gets a flow_sessions row and each completed turn a
// flow_requests row holding the user prompt, the extracted artifact and line
// counts against the session's previous artifact. The Recorder fills the
// tables from the event bus, off the request path.
package history
