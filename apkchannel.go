// Package apkchannel writes and reads a distribution channel tag in signed APK files
// without breaking their signature.
//
// Two schemes are supported. Scheme V1 appends the channel to the ZIP archive comment,
// which is not covered by a JAR (v1) signature. Scheme V2 stores the channel as an extra
// ID-value entry of the APK Signing Block, which the v2 and v3 signature digests do not cover.
package apkchannel

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Option configures a single call.
type Option func(*options)

type options struct {
	log logrus.FieldLogger
}

// WithLogger sends diagnostics to log. By default they are discarded.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		o.log = discard
	}
	return o
}
