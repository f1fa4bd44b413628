package tutorrt

import (
	"errors"
	"fmt"
	"io"

	"github.com/codewandler/tutorrt-go/pcm"
)

// BlockReader re-frames a byte stream into fixed-size blocks. Every Read
// returns exactly one block, except the last one before EOF which carries
// whatever remained.
type BlockReader struct {
	r         io.Reader
	buf       []byte
	scratch   []byte
	blockSize int
	eof       bool
}

func NewBlockReader(r io.Reader, blockSize int) *BlockReader {
	return &BlockReader{
		r:         r,
		blockSize: blockSize,
		buf:       make([]byte, 0, blockSize*2),
		scratch:   make([]byte, blockSize),
	}
}

// NewSampleBlockReader frames wire PCM into blocks of the given number of
// samples.
func NewSampleBlockReader(r io.Reader, samples int) *BlockReader {
	return NewBlockReader(r, samples*pcm.BytesPerSample)
}

func (f *BlockReader) BlockSize() int {
	return f.blockSize
}

func (f *BlockReader) Read(p []byte) (int, error) {
	if len(p) < f.blockSize {
		return 0, fmt.Errorf("buffer passed to Read must be at least %d bytes", f.blockSize)
	}

	for len(f.buf) < f.blockSize && !f.eof {
		n, err := f.r.Read(f.scratch)
		if n > 0 {
			f.buf = append(f.buf, f.scratch[:n]...)
		}
		if errors.Is(err, io.EOF) {
			f.eof = true
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if len(f.buf) == 0 && f.eof {
		return 0, io.EOF
	}

	n := min(f.blockSize, len(f.buf))
	copy(p, f.buf[:n])
	f.buf = f.buf[n:]

	return n, nil
}
