package storage

import "errors"

// ErrNotFound is returned when no session is recorded under the key.
var ErrNotFound = errors.New("session not found")
