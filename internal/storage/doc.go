// Package storage defines the tabular source behind the settings registry and
// ships two implementations: an in-memory table used for seeding, local runs
// and tests, and a PostgreSQL table built on pgx.
package storage
