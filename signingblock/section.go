package signingblock

import (
	"io"

	"github.com/pkg/errors"
)

// SectionInfo splits a V2-signed APK into its four contiguous sections:
//
//	contents of ZIP entries | APK Signing Block | central directory | EOCD
//
// It is a snapshot of one file; any rewrite shifts the offsets and invalidates it.
type SectionInfo struct {
	ApkSize        int64
	ContentEntries Region
	SigningBlock   Region
	CentralDir     Region
	Eocd           Region
}

// ReadSectionInfo loads every section of the APK read from r into memory.
func ReadSectionInfo(r io.ReadSeeker) (*SectionInfo, error) {
	eocd, err := FindEocd(r)
	if err != nil {
		return nil, err
	}

	if err := checkNotZip64(r, eocd); err != nil {
		return nil, err
	}

	centralDirOffset, err := CentralDirOffset(eocd)
	if err != nil {
		return nil, err
	}

	signingBlock, err := FindSigningBlock(r, centralDirOffset)
	if err != nil {
		return nil, err
	}

	centralDir, err := readRegion(r, centralDirOffset, eocd.Offset()-centralDirOffset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read central directory")
	}

	contentEntries, err := readRegion(r, 0, signingBlock.Offset())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ZIP entries")
	}

	size, err := fileSize(r)
	if err != nil {
		return nil, err
	}

	info := &SectionInfo{
		ApkSize:        size,
		ContentEntries: contentEntries,
		SigningBlock:   signingBlock,
		CentralDir:     centralDir,
		Eocd:           eocd,
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

func readRegion(r io.ReadSeeker, offset, length int64) (Region, error) {
	buf := make([]byte, length)
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return Region{}, err
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return Region{}, err
	}
	return NewRegion(buf, offset), nil
}

// Validate checks that the sections are contiguous, cover the whole file and that the
// EOCD points at the central directory.
func (s *SectionInfo) Validate() error {
	switch {
	case s.ContentEntries.Offset() != 0:
		return formatErrorf("ZIP entries start at %d, not 0", s.ContentEntries.Offset())
	case s.ContentEntries.End() != s.SigningBlock.Offset():
		return formatErrorf("ZIP entries end at %d, APK Signing Block starts at %d",
			s.ContentEntries.End(), s.SigningBlock.Offset())
	case s.SigningBlock.End() != s.CentralDir.Offset():
		return formatErrorf("APK Signing Block ends at %d, central directory starts at %d",
			s.SigningBlock.End(), s.CentralDir.Offset())
	case s.CentralDir.End() != s.Eocd.Offset():
		return formatErrorf("central directory ends at %d, EOCD starts at %d",
			s.CentralDir.End(), s.Eocd.Offset())
	case s.Eocd.End() != s.ApkSize:
		return formatErrorf("EOCD ends at %d, APK size is %d", s.Eocd.End(), s.ApkSize)
	}
	return s.CheckEocdCentralDirOffset()
}

// CheckEocdCentralDirOffset verifies the central directory offset recorded in the EOCD.
func (s *SectionInfo) CheckEocdCentralDirOffset() error {
	centralDirOffset, err := CentralDirOffset(s.Eocd)
	if err != nil {
		return err
	}
	if centralDirOffset != s.CentralDir.Offset() {
		return formatErrorf("central directory offset mismatch, EOCD: %d, central directory: %d",
			centralDirOffset, s.CentralDir.Offset())
	}
	return nil
}

// WriteTo writes the APK to w with its signing block replaced by newBlock. The EOCD
// written out points at the shifted central directory; s itself is not modified.
// It returns the number of bytes written.
func (s *SectionInfo) WriteTo(w io.Writer, newBlock []byte) (int64, error) {
	delta := int64(len(newBlock)) - s.SigningBlock.Len()
	eocd, err := s.Eocd.WithCentralDirOffset(s.CentralDir.Offset() + delta)
	if err != nil {
		return 0, err
	}

	return copyChunked(w,
		s.ContentEntries,
		NewRegion(newBlock, s.SigningBlock.Offset()),
		s.CentralDir,
		eocd,
	)
}

// SizeAfter returns the APK size once the signing block is replaced by one of newBlockLen bytes.
func (s *SectionInfo) SizeAfter(newBlockLen int) int64 {
	return s.ApkSize + int64(newBlockLen) - s.SigningBlock.Len()
}
