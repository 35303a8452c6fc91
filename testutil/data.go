package testutil

import (
	"encoding/binary"
	"math"
)

// Frame generators. Pixel values carry no meaning beyond being distinguishable
// per frame, so tests can tell which write a consumer saw.

// Float32Frame returns a w*h float32 frame with every pixel set to v.
func Float32Frame(w, h int, v float32) []byte {
	buf := make([]byte, w*h*4)
	bits := math.Float32bits(v)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], bits)
	}
	return buf
}

// Float64Frame returns a w*h float64 frame with every pixel set to v.
func Float64Frame(w, h int, v float64) []byte {
	buf := make([]byte, w*h*8)
	bits := math.Float64bits(v)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], bits)
	}
	return buf
}

// Uint16Frame returns a w*h uint16 frame holding a ramp offset by base.
func Uint16Frame(w, h int, base uint16) []byte {
	buf := make([]byte, w*h*2)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], base+uint16(i))
	}
	return buf
}

// Int16Frame returns a w*h int16 frame with every pixel set to v.
func Int16Frame(w, h int, v int16) []byte {
	buf := make([]byte, w*h*2)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// Uint8Frame returns a w*h uint8 frame with every pixel set to v.
func Uint8Frame(w, h int, v uint8) []byte {
	buf := make([]byte, w*h)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

// FirstFloat32 decodes the first pixel of a float32 frame.
func FirstFloat32(frame []byte) float32 {
	if len(frame) < 4 {
		return float32(math.NaN())
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(frame))
}
