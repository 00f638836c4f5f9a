package main

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"

	"github.com/denny2001/MMTools/internal/config"
	"github.com/denny2001/MMTools/internal/constants"
	"github.com/denny2001/MMTools/internal/field"
	"github.com/denny2001/MMTools/internal/propagate"
	"github.com/denny2001/MMTools/internal/utils"
)

func j2nj(e float64) float64 { return e * 1.e9 }
func w2mw(p float64) float64 { return p * 1.e3 }
func s2ps(t float64) float64 { return t * 1.e12 }
func m2mm(z float64) float64 { return z * 1.e3 }
func m2nm(l float64) float64 { return l * 1.e9 }

// launchPulse builds the initial time-domain field: the configured pulse in
// the fundamental mode, the remaining modes dark.
func launchPulse(p config.ModelParameters) field.Field {
	f := field.New(len(p.Betas), p.Samples)
	dt := p.Dt()
	amp := math.Sqrt(p.PeakPower)

	var t0 float64
	switch p.PulseShape {
	case "sech":
		t0 = p.Duration / (2. * math.Log(1.+math.Sqrt2))
	default:
		t0 = p.Duration / (2. * math.Sqrt(2.*math.Log(2.)))
	}

	for i := 0; i < p.Samples; i++ {
		t := (float64(i) - float64(p.Samples)/2.) * dt
		var a float64
		if p.PulseShape == "sech" {
			a = amp / math.Cosh(t/t0)
		} else {
			a = amp * math.Exp(-t*t/(2.*t0*t0))
		}
		f[0][i] = complex(a, 0)
	}
	return f
}

func pulseEnergies(res *propagate.Result, dt float64) []float64 {
	out := make([]float64, len(res.Fields))
	for i, f := range res.Fields {
		out[i] = f.EnergyFreq(dt)
	}
	return out
}

// totalPowers collapses per-save ASE spectra into total power traces; a nil
// history yields zeros so the CSV columns stay aligned with the z axis.
func totalPowers(spectra [][]float64) []float64 {
	out := make([]float64, len(spectra))
	for i, spec := range spectra {
		out[i] = floats.Sum(spec)
	}
	return out
}

// outputPulse returns the final pulse power profile over the time window,
// summed over modes.
func outputPulse(res *propagate.Result, p config.ModelParameters) ([]float64, []float64) {
	if len(res.Fields) == 0 {
		return nil, nil
	}
	at := res.Fields[len(res.Fields)-1].ToTime()
	dt := p.Dt()
	t := make([]float64, p.Samples)
	power := make([]float64, p.Samples)
	for i := 0; i < p.Samples; i++ {
		t[i] = float64(i) * dt
		for m := 0; m < at.Modes(); m++ {
			re, im := real(at[m][i]), imag(at[m][i])
			power[i] += re*re + im*im
		}
	}
	return t, power
}

// outputSpectrum returns per-bin pulse energy at the fiber end against
// vacuum wavelength.
func outputSpectrum(res *propagate.Result, p config.ModelParameters) ([]float64, []float64) {
	if len(res.Fields) == 0 {
		return nil, nil
	}
	af := res.Fields[len(res.Fields)-1]
	dt := p.Dt()
	n := float64(p.Samples)
	omega := field.OmegaGrid(p.Samples, dt)
	nu0 := constants.FreqFromWavelength(p.Lambda0)

	lambda := make([]float64, p.Samples)
	spec := make([]float64, p.Samples)
	for i := 0; i < p.Samples; i++ {
		nu := nu0 + omega[i]/(2.*math.Pi)
		if nu <= 0 {
			nu = nu0
		}
		lambda[i] = constants.LightSpeed / nu
		for m := 0; m < af.Modes(); m++ {
			re, im := real(af[m][i]), imag(af[m][i])
			spec[i] += (re*re + im*im) * dt / n
		}
	}
	return lambda, spec
}

// peakWavelength is the wavelength of the strongest output spectral bin.
func peakWavelength(lambda, spec []float64) float64 {
	if len(spec) == 0 {
		return 0
	}
	return lambda[utils.Argmax(spec)]
}

func makeRows(index, data []float64, scalers []func(float64) float64) utils.CSV {
	rows := make(utils.CSV, 0, len(data))
	for i := range data {
		if i >= len(index) {
			break
		}
		x, y := index[i], data[i]
		if len(scalers) > 0 && scalers[0] != nil {
			x = scalers[0](x)
		}
		if len(scalers) > 1 && scalers[1] != nil {
			y = scalers[1](y)
		}
		rows = append(rows, []string{
			strconv.FormatFloat(x, 'g', -1, 64),
			strconv.FormatFloat(y, 'g', -1, 64),
		})
	}
	return rows
}

func writeRows(rows utils.CSV, outputPath, modelName, suffix string, columns []string) error {
	return utils.WriteAsCSV(rows, outputPath, modelName, suffix, columns)
}
