// Package entitystore is an embedded, transactional entity store.
//
// An entity is identified by (entity type, store id) and carries scalar
// properties plus any number of named blobs. Properties live in a SQLite
// index and can be looked up by value, by range or by prefix. Blobs are
// opaque byte payloads kept as files next to the index; the index records
// their size and xxhash64 so a torn or foreign file is detected on read.
//
// A store lives in a per-project directory derived from the project name,
// the project root and the tool/JDK versions (see [Locate]). Opening a store
// removes directories left behind by other versions of the same project and
// takes a process-exclusive lock on the directory.
//
// # Transactions
//
// All reads and writes run inside a [Tx]. [Store.View] and [ComputeReadonly]
// run read-only transactions; [Store.Update] and [Compute] run write
// transactions that commit when the callback returns nil and roll back
// otherwise. Blob writes are staged in the transaction and applied to disk
// after the SQLite commit succeeds.
//
// # Concurrency
//
// Safe for concurrent use. Readers hold a shared lock; writers hold an
// exclusive lock from begin until their blob files have been applied.
package entitystore
