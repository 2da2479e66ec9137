// Package sidekiq is a Redis-backed background job engine speaking the
// Sidekiq wire format: jobs enqueued by any Sidekiq-compatible producer are
// fetched, executed, retried with exponential backoff, and buried in the dead
// set when retries run out.
//
// The engine is a library first. A minimal worker process:
//
//	cfg, err := sidekiq.LoadConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv, err := sidekiq.NewServer(cfg, sidekiq.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv.Register("HardJob", func() sidekiq.Worker {
//		return sidekiq.WorkerFunc(func(ctx context.Context, args []any) error {
//			// do the work
//			return nil
//		})
//	})
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
//	defer stop()
//	log.Fatal(srv.Run(ctx))
//
// Producers push with a Client:
//
//	c, err := sidekiq.NewClient(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	jid, err := c.Push(ctx, &sidekiq.Job{Class: "HardJob", Args: []any{42}})
//
// Delivery is at-least-once: a job interrupted by shutdown or a crash returns
// to its queue and runs again, so workers must be idempotent.
package sidekiq
