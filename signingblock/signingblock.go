// Package signingblock locates and rewrites the binary containers an APK keeps at the
// end of its ZIP archive: the End of Central Directory record and the APK Signing Block.
package signingblock

import (
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

// https://source.android.com/security/apksigning/v2.html
// frameworks/base/core/java/android/util/apk/ApkSigningBlockUtils.java
//
// FORMAT:
//   uint64:  size (excluding this field)
//   repeated ID-value pairs:
//       uint64:           size (excluding this field)
//       uint32:           ID
//       (size - 4) bytes: value
//   uint64:  size (same as the one above)
//   uint128: magic

const (
	apkSigBlockMinSize = 32
	apkSigBlockMagicHi = 0x3234206b636f6c42
	apkSigBlockMagicLo = 0x20676953204b5041

	sizeFieldLen   = 8
	magicLen       = 16
	footerLen      = sizeFieldLen + magicLen
	entryIdLen     = 4
	entryHeaderLen = sizeFieldLen + entryIdLen

	pageAlignment = 4096
)

type BlockId uint32

const (
	BlockIdVerityPadding BlockId = 0x42726577
	BlockIdSchemeV2      BlockId = 0x7109871a
	BlockIdSchemeV3      BlockId = 0xf05368c0
)

func (id BlockId) String() string {
	switch id {
	case BlockIdVerityPadding:
		return "verity padding"
	case BlockIdSchemeV2:
		return "scheme v2"
	case BlockIdSchemeV3:
		return "scheme v3"
	default:
		return fmt.Sprintf("0x%08x", uint32(id))
	}
}

// FindSigningBlock reads the APK Signing Block that ends right before the central
// directory at centralDirOffset.
func FindSigningBlock(r io.ReadSeeker, centralDirOffset int64) (Region, error) {
	if centralDirOffset < apkSigBlockMinSize {
		return Region{}, &NotFoundError{
			What: "APK Signing Block",
			Err:  errors.Errorf("APK too small for APK Signing Block. ZIP Central Directory offset: %d", centralDirOffset),
		}
	}

	footer := make([]byte, footerLen)
	if _, err := r.Seek(centralDirOffset-footerLen, io.SeekStart); err != nil {
		return Region{}, errors.Wrap(err, "failed to seek to APK Signing Block footer")
	}

	if _, err := io.ReadFull(r, footer); err != nil {
		return Region{}, errors.Wrap(err, "failed to read APK Signing Block footer")
	}

	if Uint64(footer, 8) != apkSigBlockMagicLo || Uint64(footer, 16) != apkSigBlockMagicHi {
		return Region{}, &NotFoundError{
			What: "APK Signing Block",
			Err:  errors.New("no APK Signing Block magic before ZIP Central Directory"),
		}
	}

	blockSizeFooter := Uint64(footer, 0)
	if blockSizeFooter < footerLen || blockSizeFooter > math.MaxInt32-sizeFieldLen {
		return Region{}, formatErrorf("APK Signing Block size out of range: %d", blockSizeFooter)
	}

	totalSize := int64(blockSizeFooter + sizeFieldLen)
	offset := centralDirOffset - totalSize
	if offset < 0 {
		return Region{}, formatErrorf("APK Signing Block offset out of range: %d", offset)
	}

	block := make([]byte, totalSize)
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return Region{}, errors.Wrap(err, "failed to seek to APK Signing Block")
	}

	if _, err := io.ReadFull(r, block); err != nil {
		return Region{}, errors.Wrap(err, "failed to read APK Signing Block")
	}

	if blockSizeHeader := Uint64(block, 0); blockSizeHeader != blockSizeFooter {
		return Region{}, formatErrorf("APK Signing Block sizes in header and footer do not match: %d vs %d",
			blockSizeHeader, blockSizeFooter)
	}

	return NewRegion(block, offset), nil
}

// ReadSigningBlock finds the EOCD record, rejects ZIP64 archives and returns the
// APK Signing Block preceding the central directory.
func ReadSigningBlock(r io.ReadSeeker) (Region, error) {
	eocd, err := FindEocd(r)
	if err != nil {
		return Region{}, err
	}

	if err := checkNotZip64(r, eocd); err != nil {
		return Region{}, err
	}

	centralDirOffset, err := CentralDirOffset(eocd)
	if err != nil {
		return Region{}, err
	}

	return FindSigningBlock(r, centralDirOffset)
}

func checkNotZip64(r io.ReadSeeker, eocd Region) error {
	zip64, err := IsZip64(r, eocd.Offset())
	if err != nil {
		return err
	}
	if zip64 {
		return &UnsupportedFormatError{Msg: "ZIP64 APK not supported"}
	}
	return nil
}
