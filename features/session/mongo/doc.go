// Package mongo provides a MongoDB-backed session.Store for agent-setup
// sessions. Build the low-level client via features/session/mongo/clients/mongo
// and pass it to NewStore so job workers can persist sessions between stages.
package mongo
