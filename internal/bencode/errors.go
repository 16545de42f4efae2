package bencode

import "errors"

// Kind identifies one of the documented bencode parse failures.
type Kind string

const (
	KindExpectedDigit  Kind = "expected_digit"
	KindExpectedColon  Kind = "expected_colon"
	KindDepthExceeded  Kind = "depth_exceeded"
	KindOverflow       Kind = "overflow"
	KindUnexpectedEOF  Kind = "unexpected_eof"
	KindUnknownType    Kind = "unknown_type"
	KindTrailingData   Kind = "trailing_data"
)

// Error wraps a Kind with the byte offset it occurred at.
type Error struct {
	Kind   Kind
	Offset int
}

func (e *Error) Error() string {
	return string(e.Kind)
}

func newErr(kind Kind, offset int) error {
	return &Error{Kind: kind, Offset: offset}
}

// ErrKind extracts the Kind from err, if it is (or wraps) a bencode *Error.
func ErrKind(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
