// Package database provides the PostgreSQL connection pool and schema migrations.
//
// Migrations are embedded SQL files applied with sql-migrate through the pgx
// database/sql adapter, so the service needs no migration files on disk.
package database
