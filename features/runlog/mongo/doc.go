// Package mongo provides MongoDB-backed storage for the setup progress log.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that persists append-only progress events. Combine the
// store with runlog.Recorder to capture the chunks emitted while sessions run:
//
//	store, err := mongo.NewStoreFromMongo(clientsmongo.Options{Client: mc, Database: "setup"})
//	if err != nil {
//		return err
//	}
//	env.Streams = append(env.Streams, runlog.Recorder(store, logger))
package mongo
