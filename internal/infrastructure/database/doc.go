// Package database provides the bridge's SQLite state store.
//
// The store keeps operator state across restarts: the last fetched message
// catalog per circuit, the variable list with keep flags, and the poll
// priorities that must be re-sent to ebusd.
//
//	db, err := database.Open(ctx, database.FromConfig(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are registered by importing the top-level migrations package.
// They are additive: new columns are NULLABLE or carry a DEFAULT, and every
// .up.sql has a matching .down.sql.
package database
