package apkchannel

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/avast/apkparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avast/apkchannel/internal/apktest"
	"github.com/avast/apkchannel/signingblock"
)

func signedApk(t *testing.T, block []byte) string {
	t.Helper()
	data := apktest.InsertSigningBlock(t, apktest.Zip(t, "", testEntries...), 0, block)
	return apktest.WriteFile(t, "signed.apk", data)
}

func destPath(t *testing.T, name string) string {
	return filepath.Join(t.TempDir(), "channels", name)
}

func TestChannelV2KeepsOtherEntries(t *testing.T) {
	src := signedApk(t, apktest.SignedBlock(apktest.IdValue{Id: 0x01, Value: []byte{0xaa}}))
	before, err := ReadIdValuesV2(src)
	require.NoError(t, err)
	signature, _ := before.Get(signingblock.BlockIdSchemeV2)

	dest := destPath(t, "ch1.apk")
	require.NoError(t, AddChannelV2(src, dest, "ch1"))

	values, err := ReadIdValuesV2(dest)
	require.NoError(t, err)
	assert.Equal(t, []signingblock.BlockId{signingblock.BlockIdSchemeV2, 0x01, ChannelBlockId}, values.Ids())

	v, _ := values.Get(signingblock.BlockIdSchemeV2)
	assert.Equal(t, signature, v)
	v, _ = values.Get(0x01)
	assert.Equal(t, []byte{0xaa}, v)
	v, _ = values.Get(ChannelBlockId)
	assert.Equal(t, []byte("ch1"), v)

	channel, err := ReadChannelV2(dest)
	require.NoError(t, err)
	assert.Equal(t, "ch1", channel)
}

func TestChannelV2PreservesSignedSections(t *testing.T) {
	src := signedApk(t, apktest.SignedBlock())
	dest := destPath(t, "market.apk")
	require.NoError(t, AddChannelV2(src, dest, "市场-ü"))

	channel, err := ReadChannelV2(dest)
	require.NoError(t, err)
	assert.Equal(t, "市场-ü", channel)

	in, err := GetSectionInfo(src)
	require.NoError(t, err)
	out, err := GetSectionInfo(dest)
	require.NoError(t, err)
	require.NoError(t, out.Validate())

	assert.Equal(t, in.ContentEntries.Bytes(), out.ContentEntries.Bytes())
	assert.Equal(t, in.CentralDir.Bytes(), out.CentralDir.Bytes())

	inEocd, outEocd := in.Eocd.Bytes(), out.Eocd.Bytes()
	require.Equal(t, len(inEocd), len(outEocd))
	assert.Equal(t, inEocd[:16], outEocd[:16])
	assert.Equal(t, inEocd[20:], outEocd[20:])
	assert.Equal(t, uint32(out.CentralDir.Offset()), signingblock.Uint32(outEocd, 16))

	zr, err := apkparser.OpenZip(dest)
	require.NoError(t, err)
	defer zr.Close()
	for _, e := range testEntries {
		assert.Contains(t, zr.File, e.Name)
	}
}

func TestChannelV2Alignment(t *testing.T) {
	block := apktest.PaddedSignedBlock(apktest.IdValue{Id: 0x01, Value: []byte{0xaa}})
	src := apktest.WriteFile(t, "aligned.apk", apktest.Raw(3*4096, block, make([]byte, 46), nil))

	for _, channel := range []string{"a", "market_a", string(bytes.Repeat([]byte("long"), 2000))} {
		dest := destPath(t, "aligned.apk")
		require.NoError(t, AddChannelV2(src, dest, channel))

		info, err := GetSectionInfo(dest)
		require.NoError(t, err)
		assert.Zero(t, info.SigningBlock.Len()%4096, "channel length %d", len(channel))
		assert.Zero(t, (info.SigningBlock.Len()+info.ContentEntries.Len())%4096, "channel length %d", len(channel))

		got, err := ReadChannelV2(dest)
		require.NoError(t, err)
		assert.Equal(t, channel, got)
	}
}

func TestChannelV2MissingSignature(t *testing.T) {
	src := signedApk(t, apktest.SigningBlock(apktest.IdValue{Id: 0x01, Value: []byte{0xaa}}))
	dest := destPath(t, "unsigned.apk")

	err := AddChannelV2(src, dest, "ch1")
	assert.True(t, IsMissingV2SignatureError(err), "%v", err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "destination must not be created")

	err = RemoveChannelV2(src)
	assert.True(t, IsMissingV2SignatureError(err), "%v", err)

	assert.False(t, VerifyV2Signature(src))
}

func TestChannelV2Zip64(t *testing.T) {
	src := apktest.WriteFile(t, "zip64.apk", apktest.Raw(100, apktest.SignedBlock(), apktest.Zip64CentralDir(), nil))

	var unsupported *UnsupportedFormatError

	_, err := GetSectionInfo(src)
	assert.ErrorAs(t, err, &unsupported)

	_, err = ReadChannelV2(src)
	assert.ErrorAs(t, err, &unsupported)

	err = AddChannelV2(src, destPath(t, "zip64.apk"), "ch")
	assert.ErrorAs(t, err, &unsupported)

	err = RemoveChannelV2(src)
	assert.ErrorAs(t, err, &unsupported)
}

func TestRemoveChannelV2(t *testing.T) {
	src := signedApk(t, apktest.SignedBlock(apktest.IdValue{Id: 0x01, Value: []byte{0xaa}}))
	orig, err := os.ReadFile(src)
	require.NoError(t, err)

	dest := destPath(t, "ch.apk")
	require.NoError(t, AddChannelV2(src, dest, "ch"))

	require.NoError(t, RemoveChannelV2(dest))
	channel, err := ReadChannelV2(dest)
	require.NoError(t, err)
	assert.Equal(t, "", channel)

	removed, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(orig, removed), "removing the channel must restore the original APK")

	require.NoError(t, RemoveChannelV2(dest))
	again, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(removed, again))
}

func TestWriteChannelV2InPlace(t *testing.T) {
	path := signedApk(t, apktest.PaddedSignedBlock())

	info, err := GetSectionInfo(path)
	require.NoError(t, err)
	require.NoError(t, WriteChannelV2(info, path, "first"))

	info, err = GetSectionInfo(path)
	require.NoError(t, err)
	require.NoError(t, WriteChannelV2(info, path, "second"))

	values, err := ReadIdValuesV2(path)
	require.NoError(t, err)
	assert.Equal(t, []signingblock.BlockId{signingblock.BlockIdSchemeV2, ChannelBlockId, signingblock.BlockIdVerityPadding}, values.Ids())

	channel, err := ReadChannelV2(path)
	require.NoError(t, err)
	assert.Equal(t, "second", channel)
}

func TestAddIdValuesV2NeverReplacesSignature(t *testing.T) {
	src := signedApk(t, apktest.SignedBlock())
	info, err := GetSectionInfo(src)
	require.NoError(t, err)

	extra := signingblock.NewIdValues()
	extra.Set(signingblock.BlockIdSchemeV2, []byte("forged"))
	extra.Set(0x05, []byte("five"))

	dest := destPath(t, "extra.apk")
	require.NoError(t, AddIdValuesV2(info, dest, extra))

	values, err := ReadIdValuesV2(dest)
	require.NoError(t, err)
	v, _ := values.Get(signingblock.BlockIdSchemeV2)
	assert.Equal(t, []byte("v2 signature placeholder"), v)
	v, _ = values.Get(0x05)
	assert.Equal(t, []byte("five"), v)

	require.NoError(t, RemoveIdValuesV2(dest, []signingblock.BlockId{signingblock.BlockIdSchemeV2, 0x05}))
	values, err = ReadIdValuesV2(dest)
	require.NoError(t, err)
	assert.Equal(t, []signingblock.BlockId{signingblock.BlockIdSchemeV2}, values.Ids())

	onlySignature := signingblock.NewIdValues()
	onlySignature.Set(signingblock.BlockIdSchemeV2, []byte("forged"))
	err = AddIdValuesV2(info, destPath(t, "none.apk"), onlySignature)
	assert.True(t, IsInvalidArgumentError(err), "%v", err)
}

func TestReadChannelV2NotPresent(t *testing.T) {
	src := signedApk(t, apktest.SignedBlock())
	channel, err := ReadChannelV2(src)
	require.NoError(t, err)
	assert.Equal(t, "", channel)
	assert.True(t, VerifyV2Signature(src))

	invalid := signedApk(t, apktest.SignedBlock(apktest.IdValue{Id: uint32(ChannelBlockId), Value: []byte{0xff, 0xfe}}))
	channel, err = ReadChannelV2(invalid)
	require.NoError(t, err)
	assert.Equal(t, "", channel)
}

func TestReadChannelV2Errors(t *testing.T) {
	_, err := ReadChannelV2(unsignedApk(t, ""))
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = ReadChannelV2(filepath.Join(t.TempDir(), "missing.apk"))
	assert.True(t, IsInvalidArgumentError(err), "%v", err)

	info, err := GetSectionInfo(signedApk(t, apktest.SignedBlock()))
	require.NoError(t, err)
	err = WriteChannelV2(info, destPath(t, "empty.apk"), "")
	assert.True(t, IsInvalidArgumentError(err), "%v", err)
}

func TestChannelsV1AndV2Coexist(t *testing.T) {
	src := signedApk(t, apktest.SignedBlock())
	dest := destPath(t, "both.apk")
	require.NoError(t, AddChannelV2(src, dest, "v2-channel"))
	require.NoError(t, WriteChannelV1(dest, "v1-channel"))

	v1, err := ReadChannelV1(dest)
	require.NoError(t, err)
	assert.Equal(t, "v1-channel", v1)

	v2, err := ReadChannelV2(dest)
	require.NoError(t, err)
	assert.Equal(t, "v2-channel", v2)
}
