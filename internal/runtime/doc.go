/*
Package runtime assembles presto's collaborators into a Service.

A Service is built from a config.Config and an envelope.Registry. It
connects the configured queue backend through the transport registry,
creates the result cache (Redis, in-process or disabled), registers the
Prometheus collectors and hands these to the components it builds:

  - worker.Worker consumes a kind's input queue and runs its kernel
  - processor.Processor delivers the kind's output messages to callbacks
  - ingress routes accept items over HTTP and enqueue them

Run starts any number of Runners under one errgroup; the first failure
cancels the rest. Close releases everything the Service opened.
*/
package runtime
