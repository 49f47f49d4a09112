// Package database provides SQLite connectivity and schema migrations for
// the device-link coordinator.
//
// The coordinator's record of deepstream servers, zones, cameras, server log
// entries and diagnostics history lives in a single SQLite file opened in WAL
// mode so the HTTP API can read while device links write.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.{up,down}.sql and are
// applied oldest first, each in its own transaction.
package database
