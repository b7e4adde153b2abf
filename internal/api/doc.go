// Package api serves the settings registry over HTTP: reading and updating
// cached settings and triggering load, reload, flush and save against the
// backing table.
package api
