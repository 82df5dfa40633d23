/*
Package queue provides the durable job queues antbs runs on.

Three named FIFO queues live in the store (transactions, update_repo and
webhook), each served by exactly one worker goroutine. That single-worker
rule is what gives every op family a single writer: builds run serially,
repo indexes are mutated from one place, and the hook queue has one
producer.

# Architecture

	┌────────────────────── DURABLE QUEUES ──────────────────────┐
	│                                                            │
	│  producers (api, webhook, monitor, engine)                 │
	│      │  LPUSH antbs:queue:<name>                           │
	│      ▼                                                     │
	│  ┌──────────────────────────────────────────────┐          │
	│  │            antbs:queue:<name>                │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │ BRPOPLPUSH (blocking, poll-bounded)  │
	│                     ▼                                      │
	│  ┌──────────────────────────────────────────────┐          │
	│  │      antbs:queue:<name>:processing           │          │
	│  │  + lease key EX job timeout                  │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │ dispatch via op registry             │
	│            ┌────────┴────────┐                             │
	│            ▼                 ▼                             │
	│        success            failure                          │
	│   LREM + DEL lease    retry once (RPUSH head of line)      │
	│                       then antbs:queue:<name>:failed       │
	└────────────────────────────────────────────────────────────┘

# Durability

A job popped from the queue is atomically moved to the processing list
and covered by a lease key whose TTL is the job timeout. If the process
dies mid-job, restart-time Recover finds the entry without a live lease
and requeues it (or parks it on the failed list if the stranded run was
already a retry). Nothing about a job lives only in process memory.

# Failure policy

A failing or panicking handler fails the job. The first failure requeues
it at the head of the line; the second parks it on the failed list with
the error string attached. Workers never crash the process.

# Usage

	w := queue.NewWorker(st, queue.Transactions, cfg.Queues.PollInterval.Std())
	w.Register(queue.OpHandleHook, engine.HandleHook)
	w.Register(queue.OpISORelease, engine.HandleISORelease)

	if err := w.Recover(ctx); err != nil {
		...
	}
	g.Go(func() error { return w.Run(ctx) })

Enqueueing:

	job, _ := queue.NewJob(queue.OpHandleHook, nil, cfg.Queues.BuildTimeout.Std())
	_ = queue.Enqueue(ctx, st, queue.Transactions, job)

# See Also

  - pkg/transaction for the transactions-queue ops
  - pkg/repo for the update_repo-queue ops
  - pkg/webhook for the webhook-queue op
*/
package queue
