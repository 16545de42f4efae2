package bitfield

import "errors"

var errInvalidLength = errors.New("bitfield: byte slice length does not match bit length")
