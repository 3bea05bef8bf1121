// Package events is the local broadcast channel for task lifecycle changes.
//
// Any number of subscribers may attach to a Bus. Every subscriber sees the
// events of one task in publish order and no event is ever dropped: each
// subscription owns an unbounded queue drained by its own goroutine, so a
// slow subscriber delays only itself. There is no replay; a subscriber
// sees only events published after it attached and must query the tracker
// for the current snapshot.
//
// The bus does not filter. Subscribers narrow the stream themselves:
//
//	sub := bus.Subscribe()
//	defer bus.Unsubscribe(sub)
//	for ev := range sub.Filtered(events.Filter{ConversationID: conv}) {
//	    render(ev)
//	}
//
// NATSRelay republishes bus events on NATS so other processes can follow
// progress, and NATSListener turns those events back into tracker updates.
package events
