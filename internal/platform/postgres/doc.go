// Package postgres stores process records in PostgreSQL through the pgx
// database/sql driver and owns the embedded goose migrations for that schema.
package postgres
