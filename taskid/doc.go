// Package taskid generates task identifiers.
//
// Every task receives its identifier before any network call is made, so the
// identifier doubles as the correlation token for asynchronous events that
// may arrive late, out of order, or more than once.
//
// # Usage
//
//	id := taskid.New()
//
// Identifiers are random (UUIDv4) whenever the system random source is
// usable. If it is not, a deterministic fallback derived from the process
// start time, the process id and a monotonic counter keeps the generator
// working; fallback identifiers have the same 36 character shape.
//
// # Thread Safety
//
// New and Generator.Next are safe for concurrent use.
package taskid
