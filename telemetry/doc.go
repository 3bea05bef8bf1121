// Package telemetry exports OpenTelemetry traces for dispatched tasks.
//
// Each task gets one span from dispatch to terminal state, with a child
// span for the backend submission:
//
//	provider, err := telemetry.InitProvider(ctx, telemetry.FromConfig(cfg, origin))
//	defer provider.Shutdown(ctx)
//
//	tracer := provider.Tracer()
//	ctx, span := tracer.StartTaskSpan(ctx, telemetry.TaskSpanOptions{TaskID: id})
//	defer tracer.EndTaskSpan(span, telemetry.TaskResult{Status: "completed"}, nil)
//
// Spans carry the coordinator's transport, capacity and backend as
// resource attributes. Without a provider, GetTracer returns a no-op tracer.
package telemetry
