// Package dispatch coordinates task execution against a remote backend.
//
// A Dispatcher assigns each task an identifier, records it in a lifecycle
// tracker, bounds how many tasks run at once with a slot pool, and streams
// each running task's progress from the backend over a push connection.
// Every change is broadcast on a local event bus.
//
//	d, err := dispatch.New(dispatch.DefaultConfig(),
//	    dispatch.WithSubmitter(backend.NewClient(backend.DefaultConfig())),
//	    dispatch.WithDialer(&stream.SSEDialer{BaseURL: "http://localhost:8420"}),
//	)
//	events, stop := d.Subscribe(events.Filter{InstanceID: "inst-1"})
//	defer stop()
//
//	id, err := d.Dispatch(ctx, dispatch.Request{
//	    AgentID:    "researcher",
//	    InstanceID: "inst-1",
//	    InputText:  "summarize the open incidents",
//	})
//
// Tasks beyond capacity wait in FIFO order and start as slots free up.
// Cancel works on waiting and running tasks alike.
//
// Build assembles a Dispatcher and its collaborators from a config.Config.
package dispatch
