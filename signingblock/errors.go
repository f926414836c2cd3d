package signingblock

import (
	"fmt"

	"github.com/pkg/errors"
)

// FormatError reports a structurally broken EOCD, signing block footer or ID-value stream,
// or offsets that contradict each other.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string {
	return "malformed APK: " + e.Msg
}

func formatErrorf(format string, args ...interface{}) error {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when the EOCD record or the APK Signing Block is absent.
type NotFoundError struct {
	What string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return e.What + " not found: " + e.Err.Error()
	}
	return e.What + " not found"
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UnsupportedFormatError is returned for ZIP64 archives.
type UnsupportedFormatError struct {
	Msg string
}

func (e *UnsupportedFormatError) Error() string {
	return "unsupported format: " + e.Msg
}

// EmptyBlockError means the signing block holds no ID-value entries.
type EmptyBlockError struct{}

func (e *EmptyBlockError) Error() string {
	return "APK Signing Block contains no ID-value entries"
}

// EncodeOverflowError means the serialized signing block does not match its computed size.
// It indicates a bug, not bad input.
type EncodeOverflowError struct {
	Expected, Actual int
}

func (e *EncodeOverflowError) Error() string {
	return fmt.Sprintf("APK Signing Block encoding wrote %d bytes, expected %d", e.Actual, e.Expected)
}

func IsFormatError(err error) bool {
	var e *FormatError
	return errors.As(err, &e)
}

func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsUnsupportedFormatError(err error) bool {
	var e *UnsupportedFormatError
	return errors.As(err, &e)
}
