package store

import "errors"

// ErrNotFound indicates a record was not located.
var ErrNotFound = errors.New("store: not found")
