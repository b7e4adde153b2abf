package registry

import "errors"

var (
	// ErrInvalidKeyName is returned by Set when the key is reserved or empty.
	ErrInvalidKeyName = errors.New("invalid key name")
	// ErrInvalidSource is returned when the bound table is missing, lacks a
	// required column, or fails a query. The store error is wrapped.
	ErrInvalidSource = errors.New("invalid source")
)
