package signingblock

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// End of central directory record
//
// Offset  Bytes  Description
// 0       4      signature 0x06054b50
// 4       2      number of this disk
// 6       2      disk where central directory starts
// 8       2      number of central directory records on this disk
// 10      2      total number of central directory records
// 12      4      size of central directory
// 16      4      offset of start of central directory
// 20      2      comment length (n)
// 22      n      comment
const (
	EocdRecMinSize             = 22
	eocdRecMagic               = 0x06054b50
	EocdCommentSizeOffset      = 20
	eocdCentralDirSizeOffset   = 12
	eocdCentralDirOffsetOffset = 16

	zip64LocatorSize  = 20
	zip64LocatorMagic = 0x07064b50
)

var errEocdNotFound = errors.New("no self-consistent EOCD record in the last 64 KiB")

func fileSize(r io.Seeker) (int64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to determine file size")
	}
	return size, nil
}

// FindEocd locates the ZIP End of Central Directory record. The returned region spans
// the record and its comment, up to the end of the file.
//
// The EOCD signature may legally appear inside the comment, so a candidate is accepted
// only when its comment length field matches its distance from the end of the file.
func FindEocd(r io.ReadSeeker) (Region, error) {
	size, err := fileSize(r)
	if err != nil {
		return Region{}, err
	}

	if size < EocdRecMinSize {
		return Region{}, &NotFoundError{
			What: "EOCD record",
			Err:  errors.Errorf("APK file is too short (%d bytes)", size),
		}
	}

	// Nearly every APK has an empty comment, so try that before reading 64 KiB.
	if eocd, err := findEocdMaxCommentSize(r, size, 0); err == nil {
		return eocd, nil
	} else if !errors.Is(err, errEocdNotFound) {
		return Region{}, err
	}

	eocd, err := findEocdMaxCommentSize(r, size, math.MaxUint16)
	if errors.Is(err, errEocdNotFound) {
		return Region{}, &NotFoundError{What: "EOCD record", Err: err}
	}
	return eocd, err
}

func findEocdMaxCommentSize(r io.ReadSeeker, size int64, maxCommentSize int) (Region, error) {
	if int64(maxCommentSize) > size-EocdRecMinSize {
		maxCommentSize = int(size - EocdRecMinSize)
	}

	buf := make([]byte, EocdRecMinSize+maxCommentSize)
	bufOffsetInFile := size - int64(len(buf))

	if _, err := r.Seek(bufOffsetInFile, io.SeekStart); err != nil {
		return Region{}, errors.Wrap(err, "failed to seek to EOCD search window")
	}

	if _, err := io.ReadFull(r, buf); err != nil {
		return Region{}, errors.Wrap(err, "failed to read EOCD search window")
	}

	emptyCommentStart := len(buf) - EocdRecMinSize
	for commentSize := 0; commentSize <= maxCommentSize; commentSize++ {
		pos := emptyCommentStart - commentSize
		if binary.LittleEndian.Uint32(buf[pos:]) != eocdRecMagic {
			continue
		}

		recordCommentSize := binary.LittleEndian.Uint16(buf[pos+EocdCommentSizeOffset:])
		if int(recordCommentSize) == commentSize {
			return NewRegion(buf[pos:], bufOffsetInFile+int64(pos)), nil
		}
	}
	return Region{}, errEocdNotFound
}

// IsZip64 reports whether a ZIP64 end of central directory locator immediately precedes
// the EOCD record at eocdOffset.
func IsZip64(r io.ReadSeeker, eocdOffset int64) (bool, error) {
	locatorPos := eocdOffset - zip64LocatorSize
	if locatorPos < 0 {
		return false, nil
	}

	if _, err := r.Seek(locatorPos, io.SeekStart); err != nil {
		return false, errors.Wrap(err, "failed to seek to ZIP64 locator")
	}

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return false, errors.Wrap(err, "failed to read ZIP64 locator")
	}
	return magic == zip64LocatorMagic, nil
}

// CommentLength returns the comment length declared by an EOCD region.
func (r Region) CommentLength() int {
	return int(r.uint16At(EocdCommentSizeOffset))
}

// CentralDirSize returns the central directory size declared by an EOCD region.
func (r Region) CentralDirSize() int64 {
	return int64(r.uint32At(eocdCentralDirSizeOffset))
}

// CentralDirOffset returns the central directory offset declared by an EOCD region,
// checking that the central directory ends exactly where the EOCD starts.
func CentralDirOffset(eocd Region) (int64, error) {
	if eocd.Len() < EocdRecMinSize {
		return 0, formatErrorf("EOCD record too short: %d bytes", eocd.Len())
	}

	centralDirOffset := int64(eocd.uint32At(eocdCentralDirOffsetOffset))
	if centralDirOffset >= eocd.Offset() {
		return 0, formatErrorf("ZIP Central Directory offset out of range: %d. ZIP End of Central Directory offset: %d",
			centralDirOffset, eocd.Offset())
	}

	if centralDirOffset+eocd.CentralDirSize() != eocd.Offset() {
		return 0, formatErrorf("ZIP Central Directory is not immediately followed by End of Central Directory")
	}
	return centralDirOffset, nil
}

// WithCentralDirOffset returns a copy of the EOCD region whose central directory offset
// field is set to offset. The receiver is left untouched.
func (r Region) WithCentralDirOffset(offset int64) (Region, error) {
	if offset < 0 || offset > math.MaxUint32 {
		return Region{}, formatErrorf("central directory offset out of uint32 range: %d", offset)
	}
	if r.Len() < EocdRecMinSize {
		return Region{}, formatErrorf("EOCD record too short: %d bytes", r.Len())
	}

	patched := append([]byte(nil), r.data...)
	PutUint32(patched, eocdCentralDirOffsetOffset, uint32(offset))
	return NewRegion(patched, r.offset), nil
}
