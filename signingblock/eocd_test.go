package signingblock

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apkchannel/internal/apktest"
)

func centralDir(n int) []byte {
	return bytes.Repeat([]byte{0xcd}, n)
}

func TestFindEocdNoComment(t *testing.T) {
	data := apktest.Raw(100, apktest.SignedBlock(), centralDir(46), nil)

	eocd, err := FindEocd(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-EocdRecMinSize), eocd.Offset())
	assert.Equal(t, int64(EocdRecMinSize), eocd.Len())
	assert.Equal(t, 0, eocd.CommentLength())
	assert.Equal(t, int64(len(data)), eocd.End())
}

func TestFindEocdWithComment(t *testing.T) {
	comment := []byte("built by the release pipeline")
	data := apktest.Raw(100, apktest.SignedBlock(), centralDir(46), comment)

	eocd, err := FindEocd(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-EocdRecMinSize-len(comment)), eocd.Offset())
	assert.Equal(t, len(comment), eocd.CommentLength())
	assert.Equal(t, comment, eocd.Bytes()[EocdRecMinSize:])
}

func TestFindEocdIgnoresMagicInComment(t *testing.T) {
	// A fake EOCD inside the comment whose comment length does not match its position.
	comment := make([]byte, 40)
	binary.LittleEndian.PutUint32(comment[10:], eocdRecMagic)
	binary.LittleEndian.PutUint16(comment[10+EocdCommentSizeOffset:], 5)
	data := apktest.Raw(100, apktest.SignedBlock(), centralDir(46), comment)

	eocd, err := FindEocd(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-EocdRecMinSize-len(comment)), eocd.Offset())
	assert.Equal(t, len(comment), eocd.CommentLength())

	cdOffset, err := CentralDirOffset(eocd)
	require.NoError(t, err)
	assert.Equal(t, int64(100+len(apktest.SignedBlock())), cdOffset)
}

func TestFindEocdRealZip(t *testing.T) {
	data := apktest.Zip(t, "hello", apktest.Entry{Name: "classes.dex", Body: []byte("dex\n035")})

	eocd, err := FindEocd(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(apktest.EocdOffset(data, 5)), eocd.Offset())
	assert.Equal(t, 5, eocd.CommentLength())
}

func TestFindEocdNotFound(t *testing.T) {
	_, err := FindEocd(bytes.NewReader(make([]byte, 10)))
	assert.True(t, IsNotFoundError(err), "too short: %v", err)

	_, err = FindEocd(bytes.NewReader(bytes.Repeat([]byte{0xaa}, 1000)))
	assert.True(t, IsNotFoundError(err), "no magic: %v", err)
}

func TestIsZip64(t *testing.T) {
	data := apktest.Raw(100, apktest.SignedBlock(), apktest.Zip64CentralDir(), nil)
	eocd, err := FindEocd(bytes.NewReader(data))
	require.NoError(t, err)

	zip64, err := IsZip64(bytes.NewReader(data), eocd.Offset())
	require.NoError(t, err)
	assert.True(t, zip64)

	data = apktest.Raw(100, apktest.SignedBlock(), centralDir(64), nil)
	eocd, err = FindEocd(bytes.NewReader(data))
	require.NoError(t, err)

	zip64, err = IsZip64(bytes.NewReader(data), eocd.Offset())
	require.NoError(t, err)
	assert.False(t, zip64)
}

func TestCentralDirOffsetInconsistent(t *testing.T) {
	data := apktest.Raw(100, apktest.SignedBlock(), centralDir(46), nil)
	eocdOffset := len(data) - EocdRecMinSize

	badSize := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(badSize[eocdOffset+eocdCentralDirSizeOffset:], 45)
	_, err := CentralDirOffset(NewRegion(badSize[eocdOffset:], int64(eocdOffset)))
	assert.True(t, IsFormatError(err), "%v", err)

	badOffset := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(badOffset[eocdOffset+eocdCentralDirOffsetOffset:], uint32(eocdOffset))
	_, err = CentralDirOffset(NewRegion(badOffset[eocdOffset:], int64(eocdOffset)))
	assert.True(t, IsFormatError(err), "%v", err)
}

func TestWithCentralDirOffset(t *testing.T) {
	data := apktest.Raw(100, apktest.SignedBlock(), centralDir(46), []byte("note"))
	eocd, err := FindEocd(bytes.NewReader(data))
	require.NoError(t, err)
	orig := append([]byte(nil), eocd.Bytes()...)

	patched, err := eocd.WithCentralDirOffset(12345)
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), Uint32(patched.Bytes(), eocdCentralDirOffsetOffset))
	assert.Equal(t, orig, eocd.Bytes(), "original region modified")
	assert.Equal(t, orig[:eocdCentralDirOffsetOffset], patched.Bytes()[:eocdCentralDirOffsetOffset])
	assert.Equal(t, orig[eocdCentralDirOffsetOffset+4:], patched.Bytes()[eocdCentralDirOffsetOffset+4:])

	_, err = eocd.WithCentralDirOffset(1 << 32)
	assert.True(t, IsFormatError(err))
}
