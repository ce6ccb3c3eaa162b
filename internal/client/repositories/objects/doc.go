// Package objects persists syncable objects on the device: the current
// materialized value of each object, its acknowledged version history and
// remote values parked while a local edit is still pending.
//
// Rows are never deleted by normal operation; archiving is an update of the
// live flag. Versions are insert-only, the (uuid, seq) primary key rejects
// any attempt to rewrite an entry.
//
// Key Types
//
//   - type Repository        — interface used by the store
//   - type SQLiteRepository  — SQLite implementation over dbx.DBTX
package objects
