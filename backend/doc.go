// Package backend is the client for the remote task submission endpoint.
//
//	POST {base}/v1/tasks
//	{"taskId": "...", "agentId": "...", "instanceId": "...", "inputText": "..."}
//
//	201 {"executionId": "..."}
//
// A non-2xx response becomes a SUBMISSION_FAILED error carrying the
// server's message. Submission only acknowledges the task; progress and
// results arrive on the push stream keyed by the returned execution ID.
package backend
