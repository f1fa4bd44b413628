// Package pcm converts between the 16-bit signed little-endian mono PCM used
// on the wire and the normalized float samples used by the audio engine.
package pcm

import (
	"encoding/binary"
	"fmt"
)

const (
	// SampleRate is the fixed wire rate in both directions.
	SampleRate = 24_000

	// BytesPerSample is the size of one wire sample.
	BytesPerSample = 2
)

// FormatError reports a wire buffer that is not a whole number of samples.
type FormatError struct {
	Len int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("pcm: %d bytes is not a whole number of 16-bit samples", e.Len)
}

// Decode interprets b as little-endian int16 samples and scales them into
// [-1, 1] by dividing by 32768. Odd-length input is rejected with a
// *FormatError; the empty buffer decodes to an empty slice.
func Decode(b []byte) ([]float32, error) {
	if len(b)%BytesPerSample != 0 {
		return nil, &FormatError{Len: len(b)}
	}
	out := make([]float32, len(b)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// Encode clamps every sample to [-1, 1] and quantizes it to int16, scaling
// the negative side by 32768 and the positive side by 32767.
func Encode(samples []float32) []byte {
	return AppendEncode(make([]byte, 0, len(samples)*BytesPerSample), samples)
}

// AppendEncode is like Encode but appends to dst.
func AppendEncode(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(quantize(s)))
	}
	return dst
}

func quantize(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s <= -1:
		return -32768
	case s >= 1:
		return 32767
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// Samples returns how many samples n bytes of wire audio hold.
func Samples(n int) int {
	return n / BytesPerSample
}
