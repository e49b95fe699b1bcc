package patcher

import (
	"bytes"
	"context"
	"io"

	"gitlab.com/tozd/go/errors"
)

// chunkSize is the read size of Scan. Consecutive reads overlap by
// len(marker)-1 bytes so a marker spanning a chunk boundary is found.
var chunkSize int64 = 4 << 20

// Scan returns the offset of every occurrence of marker in the first size
// bytes of r, in ascending order. Overlapping occurrences are reported.
func Scan(ctx context.Context, r io.ReaderAt, size int64, marker []byte) ([]int64, error) {
	if len(marker) == 0 {
		return nil, errors.New("empty marker")
	}

	overlap := int64(len(marker) - 1)
	buf := make([]byte, chunkSize+overlap)

	var hits []int64
	for off := int64(0); off < size; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		want := min(int64(len(buf)), size-off)
		n, err := r.ReadAt(buf[:want], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Errorf("read image at %d: %w", off, err)
		}
		window := buf[:n]

		for i := 0; i < len(window); {
			j := bytes.Index(window[i:], marker)
			if j < 0 {
				break
			}
			pos := i + j
			// Matches starting in the overlap belong to the next chunk.
			if int64(pos) >= chunkSize {
				break
			}
			hits = append(hits, off+int64(pos))
			i = pos + 1
		}
	}
	return hits, nil
}
