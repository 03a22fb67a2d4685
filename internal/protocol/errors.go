package protocol

import "errors"

// Validation errors for an inbound request, mirroring the daemon's
// handling of structurally-valid-but-semantically-invalid requests.
var (
	ErrBadVersion    = errors.New(`missing or invalid "jsonrpc" field (must be "2.0")`)
	ErrMissingID     = errors.New(`missing "id" field`)
	ErrMissingMethod = errors.New(`missing "method" field`)
)
