// Package sqlstore persists the ledger, registry, retention policies and
// embeddings with database/sql.
//
// Two dialects are supported: postgres through lib/pq and sqlite3 through
// mattn/go-sqlite3. Queries are written with ? placeholders and rebound for
// postgres.
//
// Transactions travel in the context. DB.RunInTx opens one, and every store
// method called with the returned context joins it:
//
//	err := db.RunInTx(ctx, func(ctx context.Context) error {
//		if err := registryStore.UpdateStatus(ctx, id, registry.StatusPurged, &now); err != nil {
//			return err
//		}
//		_, err := auditLedger.Append(ctx, in)
//		return err
//	})
//
// For sqlite, open the database with _txlock=immediate so a transaction
// takes the write lock up front, and _foreign_keys=on.
package sqlstore
