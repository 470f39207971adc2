// Package votepipeline implements asynchronous vote ingestion and counting
// inside the vote-ingestion context.
//
// The gateway assigns a vote id, stamps the active trace context into the
// envelope and publishes it to the broker. The vote counter consumes the
// broker with at-least-once semantics and applies each vote id exactly once:
// the ledger insert and the counter increment share one transaction, and a
// vote id already in the ledger is acknowledged as a duplicate.
package votepipeline
