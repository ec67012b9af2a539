package repository

import "errors"

// ErrNotFound is returned when no cached build or launch record has the
// requested id.
var ErrNotFound = errors.New("repository: no matching record")
