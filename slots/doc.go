// Package slots bounds how many tasks execute at once.
//
// A Manager holds a fixed number of slots and a FIFO wait list. TryAcquire
// grants a slot when one is free and otherwise queues the task at the
// tail. Release frees a slot and, in the same critical section, hands it
// to the head of the wait list; this is the only way a waiter is promoted.
// Release is idempotent, so a terminal event racing a connection error
// cannot promote two waiters for one freed slot.
//
// Callbacks (promotion starter, position observer, cancel hook) run
// outside the state lock but serialized in mutation order. They must not
// call back into the Manager.
package slots
