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

// clickEnvelope is the click gain at t into a click of length d: a short
// smoothstep attack then a smoothstep release over the rest.
func clickEnvelope(t, d float64) float64 {
	if t < 0 || t >= d {
		return 0
	}
	attack := d / 10
	if t < attack {
		return Smoothstep(t / attack)
	}
	return 1 - Smoothstep((t-attack)/(d-attack))
}

// clip converts to int16, saturating at the range limits.
func clip(v float64) int16 {
	if v > 32767 {
		return 32767
	} else if v < -32768 {
		return -32768
	}
	return int16(v)
}
