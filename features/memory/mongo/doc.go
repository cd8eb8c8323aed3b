// Package mongo persists agent task memory in MongoDB. Stage handlers record
// the artifacts later agent runs rely on (the generated SOP, the workflow
// graph) through Store.Remember; one document per session holds the entries
// keyed by name.
package mongo
