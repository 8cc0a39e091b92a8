package repositories

import "errors"

// ErrNotFound is returned by lookups that match no record. Callers branch on
// it with errors.Is; it never wraps a database error.
var ErrNotFound = errors.New("record not found")
