package apkchannel

import (
	"fmt"
	"os"

	"github.com/avast/apkchannel/signingblock"
	"github.com/pkg/errors"
)

type (
	FormatError            = signingblock.FormatError
	NotFoundError          = signingblock.NotFoundError
	UnsupportedFormatError = signingblock.UnsupportedFormatError
	EmptyBlockError        = signingblock.EmptyBlockError
	EncodeOverflowError    = signingblock.EncodeOverflowError
)

// InvalidArgumentError is returned for a missing or non-regular file, or an empty channel.
type InvalidArgumentError struct {
	Msg string
	Err error
}

func (e *InvalidArgumentError) Error() string {
	if e.Err != nil {
		return "invalid argument: " + e.Msg + ": " + e.Err.Error()
	}
	return "invalid argument: " + e.Msg
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// MissingV2SignatureError is returned when a channel is written to or removed from an
// APK whose signing block has no APK Signature Scheme v2 entry.
type MissingV2SignatureError struct{}

func (e *MissingV2SignatureError) Error() string {
	return "No APK Signature Scheme v2 block in APK Signing Block"
}

// DuplicateChannelError is returned by the V1 writer when the archive comment
// already ends with a channel.
type DuplicateChannelError struct {
	Path string
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("%s already has a v1 channel", e.Path)
}

// SizeMismatchError means a rewritten APK does not have the size it was computed to have.
// It indicates a bug, not bad input.
type SizeMismatchError struct {
	Expected, Actual int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("rewritten APK has wrong size: %d, expected %d", e.Actual, e.Expected)
}

func IsInvalidArgumentError(err error) bool {
	var e *InvalidArgumentError
	return errors.As(err, &e)
}

func IsMissingV2SignatureError(err error) bool {
	var e *MissingV2SignatureError
	return errors.As(err, &e)
}

func IsDuplicateChannelError(err error) bool {
	var e *DuplicateChannelError
	return errors.As(err, &e)
}

func checkApkFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return &InvalidArgumentError{Msg: "cannot stat " + path, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return &InvalidArgumentError{Msg: path + " is not a regular file"}
	}
	return nil
}
