package audioio

import "math"

// Downsample converts normalized samples at sourceRate to PCM16 at
// TargetRate by block averaging: output sample i is the mean of the input
// window ending (exclusively) at round((i+1)*ratio), where ratio is
// sourceRate/TargetRate and each window starts where the previous ended.
// Empty windows average to zero. Equal rates convert 1:1.
//
// This is a cheap anti-aliasing approximation tuned for voice energy, not a
// proper FIR filter. Keep it that way: the latency profile downstream
// depends on it.
func Downsample(input []float32, sourceRate int) []int16 {
	if sourceRate <= 0 {
		return nil
	}
	if sourceRate == TargetRate {
		return FloatsToPCM16(input)
	}

	ratio := float64(sourceRate) / TargetRate
	outLen := len(input) * TargetRate / sourceRate
	out := make([]int16, outLen)

	start := 0
	for i := 0; i < outLen; i++ {
		end := int(math.Round(float64(i+1) * ratio))

		var sum float64
		count := 0
		for j := start; j < end && j < len(input); j++ {
			sum += float64(input[j])
			count++
		}

		var avg float64
		if count > 0 {
			avg = sum / float64(count)
		}
		out[i] = FloatToPCM16(float32(avg))
		start = end
	}

	return out
}

// DownmixFloat averages interleaved channels into mono.
func DownmixFloat(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	mono := make([]float32, len(samples)/channels)
	for i := range mono {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts PCM16 audio from one sample rate to another using linear
// interpolation. Sinks use it when the device refuses the stream rate.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}

	if len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return []int16{}
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(float64(len(samples)) / ratio)

	if newLen == 0 {
		return []int16{}
	}

	result := make([]int16, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= len(samples)-1 {
			result[i] = samples[len(samples)-1]
		} else {
			s1 := float64(samples[srcIdx])
			s2 := float64(samples[srcIdx+1])
			result[i] = int16(s1 + frac*(s2-s1))
		}
	}

	return result
}
