// Package database provides SQLite-based storage for onionhost.
//
// This package implements the HistoryDB, which records every bootstrap run:
// when it started and finished, which onion address and SOCKS listener it
// produced, and at which step it failed if it did.
//
// Design decision: We use SQLite (via modernc.org/sqlite) instead of other
// databases because:
// 1. No external dependencies - the database is a single file
// 2. CGO-free implementation allows easy cross-compilation
// 3. WAL mode lets `onionhost history` read while `onionhost run` writes
package database
