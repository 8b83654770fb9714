// Package stores provides persistence for goal graph snapshots.
// It includes a SQLite store with WAL mode and embedded migrations that keeps
// the latest snapshot per change event together with a queryable goal state
// table. Superseded versions are overwritten, not archived.
package stores
