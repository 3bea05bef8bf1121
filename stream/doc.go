// Package stream owns the server-push connection of one running task.
//
// Inbound events are decoded once, at the connection boundary, into the
// closed set Connected, Status, Chunk, Result, Failure and End. Two
// transports carry them: server-sent events, where each event is
//
//	event: chunk
//	data: {"text":"hello"}
//
// and WebSocket, where each text frame is {"event":"chunk","data":{...}}.
//
// A Session runs one connection to completion. It reports progress,
// state and chunks through a Handler as they arrive, and returns the
// terminal Outcome from Run. Whatever ends the session (End, a
// connection error, the inactivity timeout or Cancel), the connection is
// closed and the release callback runs exactly once.
package stream
