package dht

import "errors"

// ErrBootstrapFailed is returned by New when the bootstrap ping does
// not complete, or the resulting external endpoint fails the BEP-42
// validity check it is expected to satisfy by construction.
var ErrBootstrapFailed = errors.New("dht: bootstrap failed")
