package apkchannel

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/avast/apkparser"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avast/apkchannel/signingblock"
)

// A v1 channel is appended to the archive comment:
//
//	[existing comment][channel bytes][channel length: uint16 LE][magic]
const channelLenFieldSize = 2

var (
	channelV1Magic = []byte("zdd&wyj")

	signatureFileRe = regexp.MustCompile(`^META-INF/\w+\.SF$`)
)

func channelV1Block(channel string) []byte {
	block := make([]byte, 0, len(channel)+channelLenFieldSize+len(channelV1Magic))
	block = append(block, channel...)
	block = binary.LittleEndian.AppendUint16(block, uint16(len(channel)))
	return append(block, channelV1Magic...)
}

// ReadChannelV1 returns the channel stored in the archive comment, or "" if there is none.
func ReadChannelV1(path string, opts ...Option) (string, error) {
	o := newOptions(opts)
	if err := checkApkFile(path); err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	eocd, err := signingblock.FindEocd(f)
	if err != nil {
		return "", err
	}

	log := o.log.WithField("path", path)
	if eocd.CommentLength() == 0 {
		log.Debug("v1 channel not found, archive has no comment")
		return "", nil
	}
	return parseChannelV1(eocd.Bytes()[signingblock.EocdRecMinSize:], log), nil
}

func parseChannelV1(comment []byte, log logrus.FieldLogger) string {
	if !bytes.HasSuffix(comment, channelV1Magic) || len(comment) < len(channelV1Magic)+channelLenFieldSize {
		log.Debug("v1 channel not found")
		return ""
	}

	lengthPos := len(comment) - len(channelV1Magic) - channelLenFieldSize
	length := int(signingblock.Uint16(comment, lengthPos))
	if length <= 0 {
		log.Debug("v1 channel not found, empty channel length")
		return ""
	}
	if length > lengthPos {
		log.WithField("length", length).Warn("v1 channel length exceeds archive comment")
		return ""
	}
	return strings.ToValidUTF8(string(comment[lengthPos-length:lengthPos]), "\uFFFD")
}

// WriteChannelV1 appends channel to the archive comment of the APK at path, in place.
// Any comment already present is kept in front of it.
func WriteChannelV1(path, channel string, opts ...Option) (err error) {
	o := newOptions(opts)
	if channel == "" {
		return &InvalidArgumentError{Msg: "channel is empty"}
	}
	if err := checkApkFile(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %s", path)
		}
	}()

	eocd, err := signingblock.FindEocd(f)
	if err != nil {
		return err
	}

	log := o.log.WithField("path", path)
	existing := eocd.CommentLength()
	if existing == 0 {
		log.Debug("archive has no comment")
	} else {
		log.WithField("comment_length", existing).Debug("archive has a comment")
		if bytes.HasSuffix(eocd.Bytes()[signingblock.EocdRecMinSize:], channelV1Magic) {
			return &DuplicateChannelError{Path: path}
		}
	}

	block := channelV1Block(channel)
	newLength := existing + len(block)
	if len(channel) > math.MaxUint16 || newLength > math.MaxUint16 {
		return &InvalidArgumentError{Msg: "channel does not fit in the archive comment"}
	}

	lengthField := binary.LittleEndian.AppendUint16(nil, uint16(newLength))
	if _, err := f.WriteAt(lengthField, eocd.Offset()+signingblock.EocdCommentSizeOffset); err != nil {
		return errors.Wrap(err, "failed to write comment length")
	}

	if _, err := f.WriteAt(block, eocd.Offset()+signingblock.EocdRecMinSize+int64(existing)); err != nil {
		return errors.Wrap(err, "failed to write v1 channel")
	}

	log.WithField("channel", channel).Info("v1 channel written")
	return nil
}

// AddChannelV1 copies src to dest and writes channel into the copy.
func AddChannelV1(src, dest, channel string, opts ...Option) error {
	if channel == "" {
		return &InvalidArgumentError{Msg: "channel is empty"}
	}
	if err := checkApkFile(src); err != nil {
		return err
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return WriteChannelV1(dest, channel, opts...)
}

// RemoveChannelV1 drops the whole archive comment, channel included. Calling it on an
// APK without a comment does nothing.
func RemoveChannelV1(path string, opts ...Option) (err error) {
	o := newOptions(opts)
	if err := checkApkFile(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %s", path)
		}
	}()

	eocd, err := signingblock.FindEocd(f)
	if err != nil {
		return err
	}

	log := o.log.WithField("path", path)
	existing := eocd.CommentLength()
	if existing == 0 {
		log.Debug("archive has no comment, nothing to remove")
		return nil
	}

	if _, err := f.WriteAt([]byte{0, 0}, eocd.Offset()+signingblock.EocdCommentSizeOffset); err != nil {
		return errors.Wrap(err, "failed to clear comment length")
	}

	if err := f.Truncate(eocd.End() - int64(existing)); err != nil {
		return errors.Wrapf(err, "failed to truncate %s", path)
	}

	log.WithField("comment_length", existing).Info("archive comment removed")
	return nil
}

// VerifyV1Signature reports whether the APK carries JAR signature artifacts: the
// manifest and at least one signature file. The signature itself is not checked.
func VerifyV1Signature(path string) bool {
	if checkApkFile(path) != nil {
		return false
	}

	zip, err := apkparser.OpenZip(path)
	if err != nil {
		return false
	}
	defer zip.Close()

	if _, prs := zip.File["META-INF/MANIFEST.MF"]; !prs {
		return false
	}

	for _, f := range zip.FilesOrdered {
		if signatureFileRe.MatchString(f.Name) {
			return true
		}
	}
	return false
}

func copyFile(src, dest string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", dest)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dest)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %s", dest)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "failed to copy %s to %s", src, dest)
	}
	return nil
}
