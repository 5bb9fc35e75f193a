// Package bus provides the in-process transport the orchestrator uses to move
// events, routed tasks, close requests and unroutable events between
// components.
//
// Addresses are plain strings. A message sent to an address is delivered to
// exactly one of its consumers. Request adds a reply channel and waits for the
// consumer's return value, bounded by Config.RequestTimeout.
//
//	b := bus.New(bus.DefaultConfig(), bus.WithLogger(logger))
//	b.Consumer("orchestrate.event", handle)
//	b.Start()
//	defer b.Shutdown(ctx)
//	_ = b.Send(ctx, "orchestrate.event", ev)
package bus
