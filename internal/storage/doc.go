// Package storage provides the persistence backends for the token market.
//
// Two implementations satisfy Store:
//   - Memory: process-local maps guarded by one mutex, used for tests and single-node runs
//   - Postgres: pgx connection pool; every conditional write is an UPDATE ... WHERE version = $n
//
// Writes that must move together run inside RunInTx. The transaction travels in the
// context, so code written against the Store interface is unaware of which backend runs it.
package storage
