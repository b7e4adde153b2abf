// Package codec converts between the text form of a setting as it is kept in
// a table (value plus format tag) and the typed value handed to callers.
// Everything here is pure: no state, no I/O.
//
// Arrays and hashes are delimited text. A backslash escapes the next
// character, so separators, backslashes and surrounding whitespace inside
// an element survive a save and load.
package codec
