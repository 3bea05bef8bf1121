// Package tracker holds the authoritative in-memory record of every task.
//
// A task moves forward through
//
//	inputted → submitted → pending → processing → completed | error
//
// and never moves back. Once a task is completed or error its status,
// result and error are frozen; later events for it are ignored.
//
// Events for task IDs the tracker has never seen are not dropped. Apply
// creates an entry reflecting the event so server state wins over the
// absence of local state. Purged IDs are remembered for a while so a late
// event cannot resurrect a task that already finished here.
//
// Every mutation returns a Transition describing what changed, so callers
// can broadcast each change exactly once. Tasks handed out are copies.
package tracker
