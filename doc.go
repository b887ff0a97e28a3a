// Package txmap defines the shared vocabulary of the transactional map module:
// transaction IDs, coded errors, key/value pairs, options, logging setup and retry helpers.
//
// The map itself lives in package cowmap, the ambient transaction it binds to in
// package transaction. A request goroutine binds a transaction to its context,
// performs map operations with that context, and the transaction's two-phase
// commit (or rollback) merges (or discards) each map's private overlay.
//
// Package cache builds a read-through cache on top of the map, and package redis
// publishes committed change sets to other processes.
package txmap
