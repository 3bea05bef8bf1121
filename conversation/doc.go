// Package conversation stores the transcript records appended when a task
// completes: the user's instruction and the agent's result.
//
// Three stores are provided:
//   - MemoryStore: in-process, for tests and single-process use.
//   - NATSStore: JetStream KV, one key per conversation.
//   - Indexed: wraps any Store and adds full-text search with bleve.
//
// Appends are best effort from the coordinator's point of view; a task is
// already terminal before its records are written.
package conversation
