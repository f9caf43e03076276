package wire

import "errors"

// ErrDecode is returned for any malformed header, unknown type/version, or
// broken extension chain.
var ErrDecode = errors.New("utp: decode error")
