package audio

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one float32 PCM sample on the wire.
const BytesPerSample = 4

// AppendFloat32LE appends samples as little-endian IEEE-754 float32 values.
func AppendFloat32LE(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}

// DecodeFloat32LE is the inverse of AppendFloat32LE. Trailing partial samples are ignored.
func DecodeFloat32LE(data []byte) []float32 {
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*BytesPerSample:]))
	}
	return out
}

// IntToFloat32 scales integer PCM of the given bit depth into [-1, 1].
func IntToFloat32(data []int, bitDepth int) []float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v) / scale
	}
	return out
}

// FirstChannel keeps only the first channel of interleaved PCM.
func FirstChannel(data []int, channels int) []int {
	if channels <= 1 {
		return data
	}
	mono := make([]int, len(data)/channels)
	for i := range mono {
		mono[i] = data[i*channels]
	}
	return mono
}
