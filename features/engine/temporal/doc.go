// Package temporal runs setup sessions as durable Temporal workflows. Each
// session is one workflow execution keyed by the session ID; every stage runs
// as an activity that persists the session and publishes an update
// notification before the workflow moves on.
//
// Rate-limited stages are retried by Temporal with the pre-stage snapshot as
// input. Once the retry budget is spent the workflow records the rate-limit
// failure on the session and completes. Stage failures are recorded on the
// session by the orchestrator and are never retried.
//
// Constructing an engine:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{HostPort: "temporal:7233"},
//	    TaskQueue:     "agent-setup",
//	    Runner:        manager,
//	})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//	if err := eng.Worker().Start(); err != nil {
//	    return err
//	}
//	sess, err := eng.Run(ctx, sess)
package temporal
