package signingblock

import (
	"encoding/binary"
	"io"
)

// Region is a read-only view of a byte range of an APK together with the absolute
// offset of its first byte in the file. The underlying bytes must not be modified;
// operations that change content return a new Region.
type Region struct {
	data   []byte
	offset int64
}

func NewRegion(data []byte, offset int64) Region {
	return Region{data: data, offset: offset}
}

// Bytes returns the region content. Callers must treat it as read-only.
func (r Region) Bytes() []byte {
	return r.data
}

func (r Region) Offset() int64 {
	return r.offset
}

func (r Region) Len() int64 {
	return int64(len(r.data))
}

// End is the file offset just past the last byte of the region.
func (r Region) End() int64 {
	return r.offset + int64(len(r.data))
}

// Slice returns the sub-region [from, to) with its file offset adjusted accordingly.
func (r Region) Slice(from, to int) Region {
	return Region{data: r.data[from:to:to], offset: r.offset + int64(from)}
}

func (r Region) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.data)
	return int64(n), err
}

func (r Region) uint16At(pos int) uint16 {
	return binary.LittleEndian.Uint16(r.data[pos:])
}

func (r Region) uint32At(pos int) uint32 {
	return binary.LittleEndian.Uint32(r.data[pos:])
}

// Uint16 reads an unsigned little-endian 16-bit field.
func Uint16(buf []byte, pos int) uint16 {
	return binary.LittleEndian.Uint16(buf[pos:])
}

// Uint32 reads an unsigned little-endian 32-bit field.
func Uint32(buf []byte, pos int) uint32 {
	return binary.LittleEndian.Uint32(buf[pos:])
}

// Uint64 reads an unsigned little-endian 64-bit field.
func Uint64(buf []byte, pos int) uint64 {
	return binary.LittleEndian.Uint64(buf[pos:])
}

// PutUint32 writes an unsigned little-endian 32-bit field.
func PutUint32(buf []byte, pos int, v uint32) {
	binary.LittleEndian.PutUint32(buf[pos:], v)
}
