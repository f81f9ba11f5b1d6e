// Package retention decides when an attachment may be purged and applies
// audited changes to its retention policy.
//
// The decision functions (ScheduledDate, EffectivePurgeDate, Evaluate) are
// pure. Engine wraps them with storage, a read cache and the audit ledger:
// every policy write takes the attachment lock returned by LockKey, appends
// an event under AuditKey and saves the policy inside one transaction.
//
// A legal hold always wins. Replacing a held policy keeps the hold; only
// ApplyLegalHold releases it.
package retention
