// Package application provides application initialization and dependency wiring.
// It opens the backing settings table (in-memory or PostgreSQL), binds the
// settings registry to it, and builds the handlers, router and HTTP server,
// keeping the main package focused on CLI parsing and orchestration.
package application
