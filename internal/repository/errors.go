package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a conditional write did not match the expected state,
// for example an active-revision swap against a revision that is not live.
var ErrConflict = errors.New("repository: conflict")
