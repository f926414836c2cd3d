// Package apktest builds APK-shaped files for tests: real ZIP archives, APK Signing Blocks
// assembled byte by byte, and synthetic section layouts.
package apktest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	IdSchemeV2      uint32 = 0x7109871a
	IdVerityPadding uint32 = 0x42726577

	magicLo = 0x20676953204b5041
	magicHi = 0x3234206b636f6c42

	eocdMagic         = 0x06054b50
	zip64LocatorMagic = 0x07064b50
)

type Entry struct {
	Name string
	Body []byte
}

type IdValue struct {
	Id    uint32
	Value []byte
}

// Zip returns a ZIP archive holding entries, with the given archive comment.
func Zip(tb testing.TB, comment string, entries ...Entry) []byte {
	tb.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate})
		require.NoError(tb, err)
		_, err = w.Write(e.Body)
		require.NoError(tb, err)
	}
	if comment != "" {
		require.NoError(tb, zw.SetComment(comment))
	}
	require.NoError(tb, zw.Close())
	return buf.Bytes()
}

// SigningBlock assembles an APK Signing Block from values, in order, without padding.
func SigningBlock(values ...IdValue) []byte {
	var pairs []byte
	for _, v := range values {
		pairs = binary.LittleEndian.AppendUint64(pairs, uint64(4+len(v.Value)))
		pairs = binary.LittleEndian.AppendUint32(pairs, v.Id)
		pairs = append(pairs, v.Value...)
	}

	size := uint64(len(pairs) + 8 + 16)
	block := binary.LittleEndian.AppendUint64(nil, size)
	block = append(block, pairs...)
	block = binary.LittleEndian.AppendUint64(block, size)
	block = binary.LittleEndian.AppendUint64(block, magicLo)
	return binary.LittleEndian.AppendUint64(block, magicHi)
}

// SignedBlock is a signing block with a placeholder scheme v2 entry followed by extra.
func SignedBlock(extra ...IdValue) []byte {
	values := append([]IdValue{{Id: IdSchemeV2, Value: []byte("v2 signature placeholder")}}, extra...)
	return SigningBlock(values...)
}

// PaddedSignedBlock is like SignedBlock but ends with a verity padding entry that makes
// the whole block 4096 bytes long.
func PaddedSignedBlock(extra ...IdValue) []byte {
	unpadded := len(SignedBlock(extra...))
	padding := 4096 - unpadded - 12
	values := append(extra[:len(extra):len(extra)], IdValue{Id: IdVerityPadding, Value: make([]byte, padding)})
	return SignedBlock(values...)
}

// EocdOffset returns the offset of the EOCD record of a ZIP whose comment is commentLen long.
func EocdOffset(data []byte, commentLen int) int {
	return len(data) - 22 - commentLen
}

// InsertSigningBlock places block between the ZIP entries and the central directory of
// zipData and fixes up the EOCD. The archive comment must be commentLen bytes long.
func InsertSigningBlock(tb testing.TB, zipData []byte, commentLen int, block []byte) []byte {
	tb.Helper()

	eocd := EocdOffset(zipData, commentLen)
	require.Equal(tb, uint32(eocdMagic), binary.LittleEndian.Uint32(zipData[eocd:]), "EOCD magic")
	cdOffset := int(binary.LittleEndian.Uint32(zipData[eocd+16:]))

	res := make([]byte, 0, len(zipData)+len(block))
	res = append(res, zipData[:cdOffset]...)
	res = append(res, block...)
	res = append(res, zipData[cdOffset:]...)

	newEocd := eocd + len(block)
	binary.LittleEndian.PutUint32(res[newEocd+16:], uint32(cdOffset+len(block)))
	return res
}

// Raw lays out a synthetic APK: contentLen filler bytes, block, centralDir and an EOCD
// with the given comment.
func Raw(contentLen int, block, centralDir, comment []byte) []byte {
	res := make([]byte, contentLen, contentLen+len(block)+len(centralDir)+22+len(comment))
	for i := range res {
		res[i] = byte(i)
	}
	res = append(res, block...)
	cdOffset := len(res)
	res = append(res, centralDir...)

	res = binary.LittleEndian.AppendUint32(res, eocdMagic)
	res = append(res, 0, 0, 0, 0, 0, 0, 0, 0)
	res = binary.LittleEndian.AppendUint32(res, uint32(len(centralDir)))
	res = binary.LittleEndian.AppendUint32(res, uint32(cdOffset))
	res = binary.LittleEndian.AppendUint16(res, uint16(len(comment)))
	return append(res, comment...)
}

// Zip64CentralDir returns fake central directory bytes ending with a ZIP64 end of central
// directory locator.
func Zip64CentralDir() []byte {
	cd := make([]byte, 64)
	binary.LittleEndian.PutUint32(cd[len(cd)-20:], zip64LocatorMagic)
	return cd
}

// WriteFile stores data as name in a fresh temporary directory and returns its path.
func WriteFile(tb testing.TB, name string, data []byte) string {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), name)
	require.NoError(tb, os.WriteFile(path, data, 0o644))
	return path
}
