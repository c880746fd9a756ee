package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeIn returns the gain for frame pos of a fade-in lasting length frames.
// A zero length means no fade.
func FadeIn(pos, length int) float64 {
	if length <= 0 {
		return 1
	}
	return Smoothstep(float64(pos) / float64(length))
}

// FadeOut is the mirror of FadeIn: 1 at pos 0, 0 at pos >= length.
func FadeOut(pos, length int) float64 {
	if length <= 0 {
		return 0
	}
	return 1 - Smoothstep(float64(pos)/float64(length))
}
