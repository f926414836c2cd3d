package signingblock

import (
	"io"

	"github.com/pkg/errors"
)

const maxChunkSize = 1024 * 1024

type dataSource interface {
	length() int64
	writeTo(w io.Writer, offset, size int64) error
}

func (r Region) length() int64 {
	return r.Len()
}

func (r Region) writeTo(w io.Writer, offset, size int64) error {
	if size == 0 {
		return nil
	}
	if offset >= r.Len() {
		return errors.New("Out of bounds offset")
	} else if size > r.Len() || offset+size > r.Len() {
		return errors.New("Out of bounds size")
	}
	_, err := w.Write(r.data[offset : offset+size])
	return err
}

type dataSourceChained struct {
	sources   []dataSource
	totalSize int64
}

func newChainedDataSource(sources ...dataSource) *dataSourceChained {
	res := &dataSourceChained{
		sources: sources,
	}

	for _, cnt := range sources {
		res.totalSize += cnt.length()
	}
	return res
}

func (se *dataSourceChained) writeTo(w io.Writer, offset, size int64) error {
	if size == 0 {
		return nil
	}
	if offset >= se.totalSize {
		return errors.New("Out of bounds offset")
	} else if size > se.totalSize || offset+size > se.totalSize {
		return errors.New("Out of bounds size")
	}

	for _, src := range se.sources {
		if offset >= src.length() {
			offset -= src.length()
			continue
		}

		remaining := src.length() - offset
		if remaining >= size {
			return src.writeTo(w, offset, size)
		}

		if err := src.writeTo(w, offset, remaining); err != nil {
			return err
		}
		size -= remaining
		offset = 0
	}
	return nil
}

func (se *dataSourceChained) length() int64 {
	return se.totalSize
}

// copyChunked streams every source to w, one chunk of at most maxChunkSize at a time.
func copyChunked(w io.Writer, sources ...dataSource) (int64, error) {
	chained := newChainedDataSource(sources...)

	var written int64
	for remaining := chained.length(); remaining > 0; {
		chunkSize := remaining
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}

		if err := chained.writeTo(w, written, chunkSize); err != nil {
			return written, errors.Wrapf(err, "failed to write chunk at offset %d", written)
		}
		written += chunkSize
		remaining -= chunkSize
	}
	return written, nil
}
