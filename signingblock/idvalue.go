package signingblock

import (
	"encoding/binary"
	"math"
)

// IdValues is the ordered ID-value list of an APK Signing Block. Iteration follows
// insertion order; replacing the value of an existing ID keeps its position.
type IdValues struct {
	ids    []BlockId
	values map[BlockId][]byte
}

func NewIdValues() *IdValues {
	return &IdValues{values: make(map[BlockId][]byte)}
}

func (v *IdValues) Get(id BlockId) ([]byte, bool) {
	val, ok := v.values[id]
	return val, ok
}

func (v *IdValues) Has(id BlockId) bool {
	_, ok := v.values[id]
	return ok
}

func (v *IdValues) Set(id BlockId, value []byte) {
	if _, ok := v.values[id]; !ok {
		v.ids = append(v.ids, id)
	}
	v.values[id] = value
}

// Delete removes id and reports whether it was present.
func (v *IdValues) Delete(id BlockId) bool {
	if _, ok := v.values[id]; !ok {
		return false
	}
	delete(v.values, id)
	for i, existing := range v.ids {
		if existing == id {
			v.ids = append(v.ids[:i:i], v.ids[i+1:]...)
			break
		}
	}
	return true
}

func (v *IdValues) Len() int {
	return len(v.ids)
}

// Ids returns the IDs in iteration order.
func (v *IdValues) Ids() []BlockId {
	return append([]BlockId(nil), v.ids...)
}

// Range calls fn for every entry in order until fn returns false.
func (v *IdValues) Range(fn func(id BlockId, value []byte) bool) {
	for _, id := range v.ids {
		if !fn(id, v.values[id]) {
			return
		}
	}
}

// Clone returns a shallow copy; value slices are shared.
func (v *IdValues) Clone() *IdValues {
	res := NewIdValues()
	v.Range(func(id BlockId, value []byte) bool {
		res.Set(id, value)
		return true
	})
	return res
}

// DecodeIdValues parses the ID-value entries of a signing block. The returned values
// alias the block bytes. When an ID repeats, the last entry wins.
func DecodeIdValues(block Region) (*IdValues, error) {
	data := block.Bytes()
	if len(data) < sizeFieldLen+footerLen {
		return nil, formatErrorf("APK Signing Block too short: %d bytes", len(data))
	}

	pairs := data[sizeFieldLen : len(data)-footerLen]
	res := NewIdValues()
	entryCount := 0
	for pos := 0; pos < len(pairs); {
		entryCount++

		if len(pairs)-pos < sizeFieldLen {
			return nil, formatErrorf("Insufficient data to read size of APK Signing Block entry #%d", entryCount)
		}

		entryLen := Uint64(pairs, pos)
		pos += sizeFieldLen
		if entryLen < entryIdLen || entryLen > math.MaxInt32 {
			return nil, formatErrorf("APK Signing Block entry #%d size out of range: %d", entryCount, entryLen)
		}

		if int(entryLen) > len(pairs)-pos {
			return nil, formatErrorf("APK Signing Block entry #%d size out of range: %d, available: %d",
				entryCount, entryLen, len(pairs)-pos)
		}

		id := BlockId(Uint32(pairs, pos))
		nextEntryPos := pos + int(entryLen)
		res.Set(id, pairs[pos+entryIdLen:nextEntryPos:nextEntryPos])
		pos = nextEntryPos
	}

	if res.Len() == 0 {
		return nil, &EmptyBlockError{}
	}
	return res, nil
}

// EncodeIdValues serializes values into a complete APK Signing Block.
//
// An existing verity padding entry is dropped and, unless the block is already
// page-aligned without it, replaced by a zero-filled one sized so that the whole
// block is a multiple of 4096 bytes. values is not modified.
func EncodeIdValues(values *IdValues) ([]byte, error) {
	if values == nil || values.Len() == 0 {
		return nil, &EmptyBlockError{}
	}

	entries := values.Clone()
	hadPadding := entries.Delete(BlockIdVerityPadding)

	// blockLength is the value of both size fields: everything but the leading size field.
	blockLength := sizeFieldLen + magicLen
	entries.Range(func(_ BlockId, value []byte) bool {
		blockLength += entryHeaderLen + len(value)
		return true
	})

	if hadPadding {
		if remainder := (blockLength + sizeFieldLen) % pageAlignment; remainder != 0 {
			padding := pageAlignment - remainder
			if padding < entryHeaderLen {
				padding += pageAlignment
			}
			blockLength += padding
			entries.Set(BlockIdVerityPadding, make([]byte, padding-entryHeaderLen))
		}
	}

	total := blockLength + sizeFieldLen
	buf := make([]byte, 0, total)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(blockLength))
	entries.Range(func(id BlockId, value []byte) bool {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(entryIdLen+len(value)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
		buf = append(buf, value...)
		return true
	})
	buf = binary.LittleEndian.AppendUint64(buf, uint64(blockLength))
	buf = binary.LittleEndian.AppendUint64(buf, apkSigBlockMagicLo)
	buf = binary.LittleEndian.AppendUint64(buf, apkSigBlockMagicHi)

	if len(buf) != total {
		return nil, &EncodeOverflowError{Expected: total, Actual: len(buf)}
	}
	return buf, nil
}

// HasPadding reports whether the ID-values carry a verity padding entry.
func (v *IdValues) HasPadding() bool {
	return v.Has(BlockIdVerityPadding)
}
