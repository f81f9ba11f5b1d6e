// Package ledger implements the append-only, tamper-evident audit ledger.
//
// # Overview
//
// Every audited action on an entity, identified by an (entityType, entityID)
// pair, becomes an Event. Events for one entity form a singly linked hash
// chain: each record stores the hash of its predecessor and a hash over its
// own canonical encoding, and the record hash is signed by a pluggable
// signing.Signer. Altering, re-signing or removing any record makes Verify
// fail at that record's position.
//
// # Usage
//
//	l := ledger.New(store, signer, ledger.WithLogger(log))
//	ev, err := l.Append(ctx, ledger.EventInput{
//	    Key:    ledger.Key{EntityType: "work_order", EntityID: 42},
//	    Action: ledger.ActionUpdate,
//	    Actor:  ledger.Actor{ID: &userID, SourceIP: "10.0.0.7"},
//	    OldValue: before, NewValue: after,
//	})
//	res, err := l.Verify(ctx, ledger.Key{EntityType: "work_order", EntityID: 42})
//
// # Concurrency
//
// Appends for the same key are serialised through a Locker (in-process by
// default, Redis for multi-process deployments) and backstopped by the
// store's uniqueness on (entity, seq). Appends for different keys run in
// parallel.
package ledger
