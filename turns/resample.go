package turns

import "math"

// Resample converts PCM16 samples from inRate to outRate using linear
// interpolation. Returns the input unchanged when the rates already match;
// otherwise produces round(len(pcm) * outRate/inRate) samples, each clamped
// to the int16 range. Pure and stateless.
func Resample(pcm []int16, inRate, outRate int) []int16 {
	if inRate == outRate {
		return pcm
	}

	outLen := int(math.Round(float64(len(pcm)) * float64(outRate) / float64(inRate)))
	out := make([]int16, outLen)
	if len(pcm) == 0 {
		return out
	}

	ratio := float64(inRate) / float64(outRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		var v float64
		switch {
		case idx+1 < len(pcm):
			v = float64(pcm[idx])*(1-frac) + float64(pcm[idx+1])*frac
		case idx < len(pcm):
			v = float64(pcm[idx])
		default:
			v = float64(pcm[len(pcm)-1])
		}

		r := math.Round(v)
		if r > math.MaxInt16 {
			r = math.MaxInt16
		}
		if r < math.MinInt16 {
			r = math.MinInt16
		}
		out[i] = int16(r)
	}
	return out
}
