package audio

import "math"

// CanonicalRate is the processing rate every recognizer input is converted to.
const CanonicalRate = 16000

// DecodePCM16 converts raw little-endian PCM16 bytes to float32 samples
// normalized into [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

// EncodePCM16 converts float32 samples in [-1, 1] back to little-endian PCM16
// bytes, clipping anything outside the valid range.
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := f * 32768.0
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		s := int16(v)
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// Resample converts samples from sourceRate to targetRate using linear
// interpolation over the original sample-index domain. When the rates match
// or the buffer is empty the input is returned unchanged, so resampling at
// the canonical rate is a strict pass-through. The output length is
// ceil(duration * targetRate) with duration = len(samples) / sourceRate.
func Resample(samples []float32, sourceRate, targetRate int) []float32 {
	if sourceRate == targetRate || len(samples) == 0 {
		return samples
	}

	duration := float64(len(samples)) / float64(sourceRate)
	targetLen := int(math.Ceil(duration * float64(targetRate)))
	if targetLen < 1 {
		targetLen = 1
	}

	out := make([]float32, targetLen)
	if targetLen == 1 || len(samples) == 1 {
		for i := range out {
			out[i] = samples[0]
		}
		return out
	}

	step := float64(len(samples)-1) / float64(targetLen-1)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		s1 := float64(samples[idx])
		s2 := float64(samples[idx+1])
		out[i] = float32(s1 + frac*(s2-s1))
	}
	return out
}
