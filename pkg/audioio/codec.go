package audioio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// FloatToPCM16 converts a normalized sample to int16.
// Input is clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767. The fractional part is truncated.
func FloatToPCM16(f float32) int16 {
	s := float64(f)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	} else if s != s { // NaN
		s = 0
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7fff)
}

// PCM16ToFloat converts an int16 sample to a float in [-1, 1).
func PCM16ToFloat(s int16) float32 {
	return float32(s) / 0x8000
}

// FloatsToPCM16 converts a whole buffer with FloatToPCM16.
func FloatsToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		out[i] = FloatToPCM16(f)
	}
	return out
}

// EncodePCM16 returns the little-endian bytes of samples.
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// DecodePCM16 parses little-endian PCM16 bytes.
// An odd byte count is a malformed frame and yields a nil buffer.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("odd PCM16 byte length %d", len(data))}
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodeBase64 frames samples as standard base64 of their raw bytes.
func EncodeBase64(samples []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodeBase64 reverses EncodeBase64 exactly. Unpadded input is accepted.
// Invalid base64 or an odd byte count is a malformed frame; no partially
// decoded buffer is ever returned.
func DecodeBase64(s string) ([]int16, error) {
	enc := base64.StdEncoding
	if len(s)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	raw, err := enc.DecodeString(s)
	if err != nil {
		return nil, &MalformedFrameError{Reason: "invalid base64", Cause: err}
	}
	return DecodePCM16(raw)
}
