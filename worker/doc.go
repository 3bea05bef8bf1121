// Package worker is a reference execution backend.
//
// A Server accepts tasks at POST /v1/tasks, runs each one on an Executor
// in its own goroutine, and streams the execution's events to any number
// of subscribers:
//
//	GET    /v1/executions/{id}/events   server-sent events
//	GET    /v1/executions/{id}/ws       WebSocket frames
//	DELETE /v1/executions/{id}          cancel the execution
//
// Every stream starts from the first event of the execution, so a client
// that connects after submission still sees the whole run:
//
//	connected, status(pending), status(processing), chunk*, result|error, end
//
// Executors are chosen by the task's provider hint. NewLLMExecutor builds
// executors backed by the Anthropic, OpenAI and Gemini SDKs; Echo is a
// local executor for tests and demos.
package worker
