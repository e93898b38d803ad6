// Package milestone delivers signed progress claims to an external ingest
// endpoint with at-least-once semantics.
//
// Emit records a MilestoneDeliveryRecord in state and nudges the delivery
// worker. DeliverPending POSTs every non-terminal record, signed with the
// canonical HMAC from package signer, and classifies the answer:
//
//	200 {"status":"accepted"}   → delivered
//	200 {"status":"duplicate"}  → duplicate
//	4xx                         → rejected
//	5xx, network error, timeout → retrying, dead-letter after MaxAttempts
//
// delivered, duplicate, rejected and dead-letter are terminal: later passes
// never touch them. Receiver is the matching ingest-side handler.
package milestone
