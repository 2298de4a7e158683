// Package engine wires all riparius subsystems together and provides
// the primary application-level API: registering definitions and step
// handlers, executing commands, querying instances, and lifecycle.
//
// The engine package exists to break a fundamental import cycle: the
// root riparius package defines Entity and the Runtime (imported by
// workflow, event, trigger, etc.) and therefore cannot import those
// packages back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	rt, err := riparius.New(
//	    riparius.WithStore(pgStore),
//	    riparius.WithWorkers(20),
//	)
//
//	eng, err := engine.Build(rt,
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.Exponential(time.Second, time.Minute)),
//	    engine.WithStreaming(),
//	)
//
// # Registering Work
//
//	// Workflow definitions (or load them from YAML with definition.Loader).
//	eng.RegisterWorkflow(orderFulfilment)
//
//	// Step handlers.
//	eng.RegisterStep("reserve-stock", reserveStock)
//	engine.RegisterStep(eng, chargeCard) // typed variant
//
// # Executing Commands
//
//	payload, _ := json.Marshal(command.CreateWorkflowPayload{
//	    DefinitionKey: "order-fulfilment",
//	    ResourceID:    "order-123",
//	})
//	res, err := eng.Execute(ctx, &command.Envelope{
//	    Name:    command.CreateWorkflow,
//	    Actor:   actor,
//	    Payload: payload,
//	})
//
// Every command flows through the middleware chain (recover, tracing,
// metrics, logging, scope, timeout) before reaching the aggregate.
//
// # Options
//
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — append middleware inside the default chain
//   - [WithBackoff] — set the step retry backoff strategy
//   - [WithIntakeLimits] — cap per-definition event/trigger intake
//   - [WithStreaming] — enable the in-process stream broker
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
