package provision

import "errors"

// ErrProvisionTimeout indicates provisioning did not complete inside the
// configured window. Individual attempts are retried with backoff before
// this surfaces.
var ErrProvisionTimeout = errors.New("provision: timed out")

// ErrResourceExhausted indicates the runtime refused the allocation. Fatal
// for the attempt; never retried.
var ErrResourceExhausted = errors.New("provision: resources exhausted")

// ErrSuperseded marks provisioning abandoned because a newer revision took
// over before this one went live.
var ErrSuperseded = errors.New("provision: revision superseded before completion")
