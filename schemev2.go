package apkchannel

import (
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/avast/apkchannel/signingblock"
)

// ChannelBlockId is the APK Signing Block entry holding a v2 channel.
const ChannelBlockId signingblock.BlockId = 0x71777777

// GetSectionInfo loads the four sections of the V2-signed APK at path.
func GetSectionInfo(path string) (*signingblock.SectionInfo, error) {
	if err := checkApkFile(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	return signingblock.ReadSectionInfo(f)
}

// ReadIdValuesV2 returns every ID-value entry of the APK Signing Block.
func ReadIdValuesV2(path string) (*signingblock.IdValues, error) {
	if err := checkApkFile(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	block, err := signingblock.ReadSigningBlock(f)
	if err != nil {
		return nil, err
	}
	return signingblock.DecodeIdValues(block)
}

// ReadChannelV2 returns the channel stored in the APK Signing Block. A missing entry, or
// one that is not valid UTF-8, yields "".
func ReadChannelV2(path string, opts ...Option) (string, error) {
	o := newOptions(opts)
	values, err := ReadIdValuesV2(path)
	if err != nil {
		return "", err
	}

	log := o.log.WithField("path", path)
	value, ok := values.Get(ChannelBlockId)
	if !ok {
		log.WithField("id", ChannelBlockId).Debug("v2 channel not found")
		return "", nil
	}
	if !utf8.Valid(value) {
		log.WithField("value", value).Warn("v2 channel is not valid UTF-8")
		return "", nil
	}
	return string(value), nil
}

// WriteChannelV2 writes the APK described by info to dest, with channel added to its
// signing block. info must not be reused afterwards if dest is its source file.
func WriteChannelV2(info *signingblock.SectionInfo, dest, channel string, opts ...Option) error {
	if channel == "" {
		return &InvalidArgumentError{Msg: "channel is empty"}
	}

	values := signingblock.NewIdValues()
	values.Set(ChannelBlockId, []byte(channel))
	return AddIdValuesV2(info, dest, values, opts...)
}

// AddChannelV2 writes a copy of src carrying channel to dest.
func AddChannelV2(src, dest, channel string, opts ...Option) error {
	info, err := GetSectionInfo(src)
	if err != nil {
		return err
	}
	return WriteChannelV2(info, dest, channel, opts...)
}

// AddIdValuesV2 writes the APK described by info to dest with values merged into its
// signing block, replacing entries with the same ID. A scheme v2 entry in values is ignored:
// the existing signature is never replaced. dest is not created when the signing block
// has no scheme v2 entry.
func AddIdValuesV2(info *signingblock.SectionInfo, dest string, values *signingblock.IdValues, opts ...Option) error {
	o := newOptions(opts)
	if info == nil {
		return &InvalidArgumentError{Msg: "section info is nil"}
	}
	if values == nil || values.Len() == 0 {
		return &InvalidArgumentError{Msg: "no ID-values to add"}
	}

	added := values.Clone()
	if added.Delete(signingblock.BlockIdSchemeV2) {
		o.log.Warn("ignoring scheme v2 entry passed as an ID-value to add")
	}
	if added.Len() == 0 {
		return &InvalidArgumentError{Msg: "no ID-values to add"}
	}

	existing, err := signingblock.DecodeIdValues(info.SigningBlock)
	if err != nil {
		return err
	}
	if !existing.Has(signingblock.BlockIdSchemeV2) {
		return &MissingV2SignatureError{}
	}

	merged := existing.Clone()
	added.Range(func(id signingblock.BlockId, value []byte) bool {
		merged.Set(id, value)
		return true
	})

	o.log.WithFields(logrus.Fields{
		"existing": existing.Ids(),
		"merged":   merged.Ids(),
	}).Debug("adding ID-values")

	return rewriteApk(info, dest, merged, o.log)
}

// RemoveChannelV2 removes the v2 channel from the APK at path, in place.
func RemoveChannelV2(path string, opts ...Option) error {
	return RemoveIdValuesV2(path, []signingblock.BlockId{ChannelBlockId}, opts...)
}

// RemoveIdValuesV2 removes the given entries from the signing block of the APK at path,
// in place. The scheme v2 entry is never removed. Nothing is written when none of ids is
// present.
func RemoveIdValuesV2(path string, ids []signingblock.BlockId, opts ...Option) error {
	o := newOptions(opts)
	info, err := GetSectionInfo(path)
	if err != nil {
		return err
	}

	existing, err := signingblock.DecodeIdValues(info.SigningBlock)
	if err != nil {
		return err
	}
	if !existing.Has(signingblock.BlockIdSchemeV2) {
		return &MissingV2SignatureError{}
	}

	remaining := existing.Clone()
	removed := 0
	for _, id := range ids {
		if id == signingblock.BlockIdSchemeV2 {
			continue
		}
		if remaining.Delete(id) {
			removed++
		}
	}

	log := o.log.WithField("path", path)
	if removed == 0 {
		log.WithField("ids", ids).Info("no ID-value was removed")
		return nil
	}

	return rewriteApk(info, path, remaining, o.log)
}

// VerifyV2Signature reports whether the APK Signing Block has a scheme v2 entry.
// The signature itself is not checked.
func VerifyV2Signature(path string) bool {
	values, err := ReadIdValuesV2(path)
	if err != nil {
		return false
	}
	return values.Has(signingblock.BlockIdSchemeV2)
}

// rewriteApk writes info to dest with its signing block rebuilt from values. On error
// dest is left in an unspecified state.
func rewriteApk(info *signingblock.SectionInfo, dest string, values *signingblock.IdValues, log logrus.FieldLogger) (err error) {
	block, err := signingblock.EncodeIdValues(values)
	if err != nil {
		return err
	}
	newSize := info.SizeAfter(len(block))

	log = log.WithField("path", dest)
	if values.HasPadding() {
		log.Debug("verity padding recalculated")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", dest)
	}

	f, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", dest)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %s", dest)
		}
	}()

	if _, err := info.WriteTo(f, block); err != nil {
		return errors.Wrapf(err, "failed to write %s", dest)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrapf(err, "failed to get position in %s", dest)
	}
	if pos != newSize {
		return &SizeMismatchError{Expected: newSize, Actual: pos}
	}

	if err := f.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "failed to truncate %s", dest)
	}

	log.WithFields(logrus.Fields{
		"size":  humanize.Bytes(uint64(newSize)),
		"delta": newSize - info.ApkSize,
	}).Info("APK signing block rewritten")
	return nil
}
