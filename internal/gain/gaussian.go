// Package gain implements the amplification models folded into the linear
// step operator: a saturable Gaussian-profile gain and a two-level
// rate-equation model with pump and ASE transport.
package gain

import "math"

// Gaussian is the phenomenological gain model: a small-signal power gain
// coefficient with a Gaussian spectral profile, saturated by total pulse
// energy. SigmaW == 0 means spectrally flat.
type Gaussian struct {
	G0        float64 // small-signal power gain [1/m]
	SigmaW    float64 // spectral std dev [rad/s]
	SatEnergy float64 // saturation energy [J], <=0 disables saturation

	profile []float64 // precomputed exp(-w^2/2sigma^2) on the grid
}

func NewGaussian(g0, sigmaW, satEnergy float64, omega []float64) *Gaussian {
	g := &Gaussian{G0: g0, SigmaW: sigmaW, SatEnergy: satEnergy}
	g.profile = make([]float64, len(omega))
	for i, w := range omega {
		if sigmaW > 0 {
			g.profile[i] = math.Exp(-w * w / (2. * sigmaW * sigmaW))
		} else {
			g.profile[i] = 1
		}
	}
	return g
}

// Coefficient returns the per-bin amplitude gain g/2 [1/m] at the given
// pulse energy.
func (g *Gaussian) Coefficient(energy float64) []float64 {
	sat := 1.
	if g.SatEnergy > 0 {
		sat = 1. / (1. + energy/g.SatEnergy)
	}
	out := make([]float64, len(g.profile))
	for i := range out {
		out[i] = 0.5 * g.G0 * sat * g.profile[i]
	}
	return out
}
