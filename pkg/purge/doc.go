// Package purge runs retention enforcement over every attachment that has a
// policy.
//
// A run pages through candidates, evaluates each policy at the run time and
// deletes what is due using the policy's delete mode. Attachments that are
// due but held or awaiting review get a purge_skipped audit event instead.
// The registry re-checks retention inside its own transaction, so a hold
// applied mid-run still wins.
package purge
