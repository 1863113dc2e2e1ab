package build

import "errors"

// ErrBuildFailed marks unrecoverable build failures. The revision is left in
// the failed state with the diagnostic attached; the error is never retried.
var ErrBuildFailed = errors.New("build: image build failed")

// ErrSuperseded marks in-flight work abandoned because a newer revision was
// submitted for the same deployment before this one completed.
var ErrSuperseded = errors.New("build: revision superseded before completion")
