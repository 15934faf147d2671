// Package feedgate exposes the Go APIs behind the realtime change-feed
// gateway. feedgate sits in front of one or more shape-protocol origins,
// authenticates tenants, rewrites every shape request into a tenant-scoped
// query, admits live long polls against a per-tenant concurrency budget and
// pins time-window cutoffs to continuation handles so resumed feeds never
// drift.
//
// # Running a server
//
//	cfg := feedgate.Config{
//	    Origins:         []string{"http://origin-0:3000", "http://origin-1:3000"},
//	    AdmissionStore:  "redis://cache:6379/0",
//	    CheckpointStore: "postgres://feedgate@db/feedgate?sslmode=disable",
//	}
//	srv, err := feedgate.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("feedgate: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same sequence, waits until the listener is bound and
// returns a stop function, which is the usual shape for tests:
//
//	srv, stop, err := feedgate.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Stores
//
// Admission slots and checkpoints are kept in stores selected by URL:
//
//   - `mem://` keeps state in process (single instance only)
//   - `redis://host:6379/0?prefix=feedgate` uses Lua scripts for atomic admission
//   - `nats://host:4222?bucket=feedgate-admission` uses JetStream key/value buckets
//   - `postgres://…?table=feedgate_checkpoints` (checkpoints only)
//   - `s3://`, `aws://` and `azure://` object stores (checkpoints only)
//
// An empty CheckpointStore keeps checkpoints in the bounded local tier. The
// admission store default is `mem://`, which is only correct when a single
// gateway instance serves a tenant.
//
// # Shutdown
//
// Shutdown flips the readiness probe to draining, stops accepting new
// connections and lets in-flight long polls finish for up to
// Config.DrainTimeout before cancelling them. Stores and telemetry close last.
package feedgate
