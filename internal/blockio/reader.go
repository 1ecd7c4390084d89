package blockio

import (
	"fmt"
	"io"
	"os"
)

// Block is one fixed-size window read from a device. Length is blockSize for
// every block except possibly the last, which may be short (I5).
type Block struct {
	Index  int
	Offset int64
	Data   []byte
}

// Reader produces a lazy sequence of blocks starting at a given device
// offset, advising the cache on each read. It never buffers more than one
// block ahead.
type Reader struct {
	f         *os.File
	blockSize int
	advisor   *Advisor
	offset    int64
	index     int
	remaining int64 // bytes left to read; -1 means "until EOF"
}

// NewReader creates a Reader over f starting at startOffset. If length >= 0,
// the reader stops after exactly that many bytes (used by a worker confined
// to its chunk); a negative length reads until EOF.
func NewReader(f *os.File, startOffset int64, length int64, blockSize int, advisor *Advisor) (*Reader, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("blockio: block size must be positive, got %d", blockSize)
	}
	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("blockio: seeking to %d: %w", startOffset, err)
	}
	return &Reader{
		f:         f,
		blockSize: blockSize,
		advisor:   advisor,
		offset:    startOffset,
		remaining: length,
	}, nil
}

// Next reads the next block, or returns io.EOF once the configured length
// (or the device) is exhausted.
func (r *Reader) Next() (Block, error) {
	if r.remaining == 0 {
		return Block{}, io.EOF
	}

	want := r.blockSize
	if r.remaining > 0 && int64(want) > r.remaining {
		want = int(r.remaining)
	}

	buf := make([]byte, want)
	n, err := io.ReadFull(r.f, buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Block{}, io.EOF
		}
		return Block{}, fmt.Errorf("blockio: reading block %d: %w", r.index, err)
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return Block{}, fmt.Errorf("blockio: reading block %d: %w", r.index, err)
	}

	block := Block{Index: r.index, Offset: r.offset, Data: buf[:n]}
	r.advisor.Advise(r.f, r.offset, int64(n))

	r.offset += int64(n)
	r.index++
	if r.remaining > 0 {
		r.remaining -= int64(n)
	}
	return block, nil
}

// WriteBlock seeks to offset and overwrites exactly len(data) bytes,
// advising the cache afterward (used by the agent on DIFF, §4.3).
func WriteBlock(f *os.File, offset int64, data []byte, advisor *Advisor) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("blockio: seeking to %d for write: %w", offset, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("blockio: writing %d bytes at %d: %w", len(data), offset, err)
	}
	advisor.Advise(f, offset, int64(len(data)))
	return nil
}

// BlockCount returns the number of blocks needed to cover byteLen bytes at
// the given block size, rounding up (I5: a short final block still counts).
func BlockCount(byteLen int64, blockSize int) int64 {
	if byteLen <= 0 {
		return 0
	}
	bs := int64(blockSize)
	return (byteLen + bs - 1) / bs
}
