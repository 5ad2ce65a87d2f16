// Package store is an ordered key/value access layer over a single-writer,
// memory-mapped B+tree engine (bbolt).
//
// Architecture:
//   - Env owns the engine, the shared read snapshot and the write scheduler.
//   - Store is one named table with its own key codec, value encoding and
//     single-slot cursor pool.
//
// Reads:
//   - Every read goes through the shared snapshot. The snapshot is renewed
//     after each committed write batch; if range iterators still hold it,
//     it is pinned until their cursors close and a new snapshot serves
//     later reads.
//   - Range iterators are lazy. Snapshot iterators see one consistent view;
//     iterators opened with NoSnapshot follow renewals and resume after the
//     last key they returned.
//
// Writes:
//   - Put, Remove, Batch and Transaction queue work for one committer
//     goroutine. Queued work is grouped into batches and each batch commits
//     as one engine write transaction.
//   - Within a batch, transaction functions run before, after or between
//     plain writes depending on the store's TxnOrder.
//   - Every transaction function runs in a scope with an undo log, so an
//     abort rolls back only that function (and its children).
//   - Conditional writes report false when their condition does not hold;
//     that is not an error.
package store
