// Package presto is a distributed task-queue worker platform keyed by
// processing kind. Callers enqueue a work item tagged with a kind; worker
// processes pull batches from the kind's input queue, run the kind's kernel
// and forward results to the output queue, where a processor delivers them
// to caller supplied callback URLs.
//
// A minimal setup registers kinds on a Registry, loads a Config, creates a
// Service and runs a worker and a processor:
//
//	reg := presto.NewRegistry()
//	reg.MustRegister(presto.Entry{Kind: "thumbnail", Kernel: k, NewResult: presto.NewMediaResult})
//	svc, err := presto.NewService(ctx, conf, logger, presto.ServiceDependencies{Registry: reg})
//	w, err := svc.NewWorker(ctx, "thumbnail")
//	p, err := svc.NewProcessor(ctx, "thumbnail")
//	err = svc.Run(ctx, w, p)
//
// # Queues
//
// Every kind owns three queues derived by Naming: input, output and dead
// letter. Backends register themselves with the transport registry:
//   - sqs: AWS SQS, batches capped at 10, FIFO when the suffix is ".fifo"
//   - redis: list-backed reliable queue
//   - memory: in-process queue for tests and local development
//   - sqlite: persistent embedded queue
//   - postgres: shared SQL queue using SKIP LOCKED
//   - channel, kafka, rabbitmq, nats: Watermill pub/sub bridges
//
// # Failure handling
//
// Malformed or invalid messages are dead-lettered immediately. Kernel
// failures and timeouts increment retry_count and requeue the message until
// it exceeds the configured maximum, after which it is dead-lettered.
// Callbacks are attempted once.
//
// # Caching
//
// Items carrying a content_hash are looked up in the result cache (Redis or
// in-process) before dispatch. Hits skip the kernel and extend the entry's
// TTL.
package presto
