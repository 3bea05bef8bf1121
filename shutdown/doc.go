// Package shutdown runs ordered teardown steps for a dispatch process.
//
// Steps are grouped into phases. Lower phases run first; steps in the
// same phase run concurrently. A coordinator typically stops intake
// (inbound listeners), then drains dispatch, then closes transports and
// finally storage:
//
//	seq := shutdown.New(shutdown.Config{ContinueOnError: true})
//	seq.Add(shutdown.PhaseIntake, "listener", listener.Close)
//	seq.Add(shutdown.PhaseDispatch, "dispatcher", d.Close)
//	seq.Add(shutdown.PhaseStorage, "store", store.Close)
//
//	ctx, stop := shutdown.SignalContext(context.Background())
//	defer stop()
//	<-ctx.Done()
//	err := seq.RunWithTimeout(30 * time.Second)
//
// Run executes at most once; later calls return the first result.
package shutdown
