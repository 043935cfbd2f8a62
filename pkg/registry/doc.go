// Package registry is the authoritative core of the collaboration server.
//
// A Registry owns every live Room. Each Room holds the room's palette
// document, its bounded operation log, its vector clock and its participant
// set, and serializes all access through a single actor goroutine: callers
// submit closures that run one at a time in submission order, so the log's
// total order is exactly server arrival order and no room state is ever
// touched concurrently.
//
// The operation log keeps only the most recent operations (100 by default).
// Older operations are compacted into the document itself; a floor clock
// records what the compacted prefix covers so resync can decide between a
// cheap delta replay and a full snapshot.
package registry
