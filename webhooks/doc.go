// Package webhooks ingests provider delivery callbacks.
//
// A request passes, in order: source IP allowlist, credential check, rate
// limit, advisory signature check, normalization, redaction and a
// first-write-wins upsert keyed by provider event id. New events are applied
// to the send ledger or left PENDING for the reconcile worker. Every
// rejection happens before any durable write.
package webhooks
