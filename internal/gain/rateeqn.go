package gain

import (
	"fmt"
	"math"

	"github.com/denny2001/MMTools/internal/constants"
	"github.com/denny2001/MMTools/internal/utils"
)

// CrossSections holds wavelength-sampled absorption and emission cross
// sections [m^2], ascending in wavelength [m].
type CrossSections struct {
	Lambda     []float64
	Absorption []float64
	Emission   []float64
}

// At interpolates both cross sections at a vacuum wavelength.
func (cs *CrossSections) At(lambda float64) (sa, se float64) {
	sa = utils.Interp1(cs.Lambda, cs.Absorption, lambda)
	se = utils.Interp1(cs.Lambda, cs.Emission, lambda)
	return
}

// RateEqnParams describes the doped-fiber amplifier geometry and spectroscopy.
type RateEqnParams struct {
	DopingDensity  float64 // Ntot [1/m^3]
	Lifetime       float64 // upper-state lifetime tau [s]
	CoreArea       float64 // [m^2]
	SignalOverlap  float64 // Gamma_s
	PumpOverlap    float64 // Gamma_p (cladding pumping makes this small)
	PumpWavelength float64 // [m]
	RepetitionRate float64 // [Hz], converts pulse energy to average power
	Sections       *CrossSections
	IncludeASE     bool
}

// RateEqn is the two-level steady-state rate-equation solver on the run's
// frequency grid.
type RateEqn struct {
	RateEqnParams

	sigmaAP, sigmaEP float64   // cross sections at the pump wavelength
	sigmaAS, sigmaES []float64 // cross sections per signal bin
	nu               []float64 // absolute frequency per bin [Hz]
	dNu              float64   // bin width [Hz]
}

// NewRateEqn samples the cross sections on the signal grid. omega is the
// angular-frequency offset grid (FFT bin order) around lambda0.
func NewRateEqn(p RateEqnParams, omega []float64, lambda0 float64) (*RateEqn, error) {
	if p.DopingDensity <= 0 || p.Lifetime <= 0 || p.CoreArea <= 0 {
		return nil, fmt.Errorf("rate equation needs positive doping density, lifetime and core area")
	}
	if p.Sections == nil || len(p.Sections.Lambda) == 0 {
		return nil, fmt.Errorf("rate equation needs cross section data")
	}
	r := &RateEqn{RateEqnParams: p}
	r.sigmaAP, r.sigmaEP = p.Sections.At(p.PumpWavelength)

	nu0 := constants.FreqFromWavelength(lambda0)
	n := len(omega)
	r.nu = make([]float64, n)
	r.sigmaAS = make([]float64, n)
	r.sigmaES = make([]float64, n)
	for i, w := range omega {
		r.nu[i] = nu0 + w/(2.*math.Pi)
		if r.nu[i] <= 0 {
			r.nu[i] = nu0
		}
		r.sigmaAS[i], r.sigmaES[i] = p.Sections.At(constants.LightSpeed / r.nu[i])
	}
	if n > 1 {
		r.dNu = math.Abs(omega[1]-omega[0]) / (2. * math.Pi)
	}
	return r, nil
}

// Inversion solves the saturation-balance equation for the excited-state
// fraction n2 = N2/Ntot given total pump power [W] at this z and the signal
// plus ASE average power spectrum [W per bin]. Clamped to [0, 1]: the bound
// is a physical invariant of the two-level system.
func (r *RateEqn) Inversion(pumpPower float64, specPower []float64) float64 {
	hNuP := constants.Planck * constants.FreqFromWavelength(r.PumpWavelength)
	rpa := r.PumpOverlap * r.sigmaAP * pumpPower / (hNuP * r.CoreArea)
	rpe := r.PumpOverlap * r.sigmaEP * pumpPower / (hNuP * r.CoreArea)

	var wsa, wse float64
	for i, p := range specPower {
		if p <= 0 {
			continue
		}
		flux := r.SignalOverlap * p / (constants.Planck * r.nu[i] * r.CoreArea)
		wsa += r.sigmaAS[i] * flux
		wse += r.sigmaES[i] * flux
	}

	denom := rpa + rpe + wsa + wse + 1./r.Lifetime
	if denom <= 0 {
		return 0
	}
	return utils.Clamp((rpa+wsa)/denom, 0, 1)
}

// Coefficient returns the per-bin signal amplitude gain g/2 [1/m] at
// inversion fraction n2.
func (r *RateEqn) Coefficient(n2 float64) []float64 {
	out := make([]float64, len(r.nu))
	for i := range out {
		out[i] = 0.5 * r.SignalOverlap * r.DopingDensity *
			((r.sigmaAS[i]+r.sigmaES[i])*n2 - r.sigmaAS[i])
	}
	return out
}

// PumpCoefficient is the pump power gain [1/m] (negative = absorption).
func (r *RateEqn) PumpCoefficient(n2 float64) float64 {
	return r.PumpOverlap * r.DopingDensity * ((r.sigmaAP+r.sigmaEP)*n2 - r.sigmaAP)
}

// ASESource returns the spontaneous power added per unit length in each bin
// [W/m]: two polarization modes of 2*sigma_e*N2*Gamma*h*nu*dnu.
func (r *RateEqn) ASESource(n2 float64) []float64 {
	out := make([]float64, len(r.nu))
	if !r.IncludeASE {
		return out
	}
	for i := range out {
		out[i] = 2. * r.sigmaES[i] * n2 * r.DopingDensity * r.SignalOverlap *
			constants.Planck * r.nu[i] * r.dNu
	}
	return out
}

// AdvancePower advances a power governed by dP/dz = g*P + src over dz using
// the exact linear-ODE update, stable for large |g*dz|.
func AdvancePower(p, g, src, dz float64) float64 {
	e := math.Exp(g * dz)
	var grow float64
	if math.Abs(g*dz) < 1e-12 {
		grow = dz
	} else {
		grow = (e - 1.) / g
	}
	next := p*e + src*grow
	if next < 0 {
		return 0
	}
	return next
}

// SpectralPower converts per-bin pulse energies [J] into average powers [W]
// at the configured repetition rate, adding any ASE spectrum in place.
func (r *RateEqn) SpectralPower(binEnergies []float64, ase ...[]float64) []float64 {
	out := make([]float64, len(binEnergies))
	for i := range out {
		out[i] = binEnergies[i] * r.RepetitionRate
		for _, a := range ase {
			if a != nil {
				out[i] += a[i]
			}
		}
	}
	return out
}
