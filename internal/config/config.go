// Package config loads and validates the TOML run configuration. A file
// carries global defaults plus one [Models.<name>] table per propagation;
// model tables inherit globals, globals inherit built-in defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/denny2001/MMTools/internal/fiber"
	"github.com/denny2001/MMTools/internal/gain"
	"github.com/denny2001/MMTools/internal/utils"
)

// ErrConfig marks malformed or inconsistent configuration; nothing
// propagates when it is returned.
var ErrConfig = errors.New("config: inconsistent configuration")

type Algorithm int

const (
	RK4IP Algorithm = iota
	MPA
)

type GainKind int

const (
	GainNone GainKind = iota
	GainGaussian
	GainRate
)

// ModelParameters is the TOML-facing description of one propagation run.
// All values are SI.
type ModelParameters struct {
	// grid
	Samples    int
	TimeWindow float64 // [s]

	// fiber
	FiberLength   float64     // [m]
	Lambda0       float64     // [m]
	Betas         [][]float64 // [mode][order], [s^k/m]
	EffectiveArea float64     // [m^2], single-mode Kerr overlap 1/Aeff
	N2            float64     // [m^2/W]

	// initial pulse (the CLI's built-in source; library callers pass fields directly)
	PulseShape string  // "gaussian" or "sech"
	PeakPower  float64 // [W]
	Duration   float64 // FWHM [s]

	// stepping
	Algorithm        string // "RK4IP" or "MPA"
	Parallelism      int    // MPA sub-planes per macro-step
	MPAMinIterations int
	MPAMaxIterations int
	Tolerance        float64 // adaptive local error tolerance
	InitialStep      float64 // [m]
	MaxStep          float64 // [m]
	SaveStep         float64 // [m]
	PulseCentering   bool
	DampingWindow    bool
	Threads          int
	MemoryBudgetMB   int

	// nonlinearity
	RamanModel       string // "off", "isotropic", "anisotropic"
	ScalarField      bool
	SpontaneousRaman bool
	NoiseSeed        int64

	// gain
	GainModel        string  // "none", "gaussian", "rate-eqn"
	GainCoeff        float64 // Gaussian model: small-signal power gain [1/m]
	GainBandwidth    float64 // Gaussian model: spectral std dev [rad/s], 0 = flat
	SaturationEnergy float64 // Gaussian model: [J], 0 = unsaturated

	DopingDensity     float64 // [1/m^3]
	Lifetime          float64 // [s]
	CoreDiameter      float64 // [m]
	SignalOverlap     float64
	PumpOverlap       float64
	PumpWavelength    float64 // [m]
	PumpPowerForward  float64 // [W]
	PumpPowerBackward float64 // [W]
	RepetitionRate    float64 // [Hz]
	AbsorptionFile    string
	EmissionFile      string
	IncludeASE        bool
	GainMaxIterations int
	GainTolerance     float64
}

type Config struct {
	OutputDir string
	Models    map[string]ModelParameters
	ModelParameters
}

var defaultValues = map[string]any{
	"Samples":           int64(4096),
	"TimeWindow":        50e-12,
	"Lambda0":           1030e-9,
	"EffectiveArea":     7.85e-11, // 10 um MFD
	"N2":                2.3e-20,
	"PulseShape":        "gaussian",
	"PeakPower":         1e3,
	"Duration":          1e-12,
	"Algorithm":         "RK4IP",
	"Parallelism":       int64(8),
	"MPAMinIterations":  int64(2),
	"MPAMaxIterations":  int64(10),
	"Tolerance":         1e-8,
	"InitialStep":       1e-6,
	"PulseCentering":    true,
	"DampingWindow":     true,
	"Threads":           int64(1),
	"MemoryBudgetMB":    int64(256),
	"RamanModel":        "isotropic",
	"ScalarField":       true,
	"NoiseSeed":         int64(1),
	"GainModel":         "none",
	"Lifetime":          840e-6,
	"SignalOverlap":     0.82,
	"PumpOverlap":       1.0,
	"PumpWavelength":    976e-9,
	"RepetitionRate":    1e6,
	"GainMaxIterations": int64(20),
	"GainTolerance":     1e-3,
}

func LoadConfig(configFileName string) (Config, toml.MetaData, error) {
	var config Config
	meta, err := toml.DecodeFile(configFileName+".toml", &config)
	if err != nil {
		return config, meta, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if len(config.Models) == 0 {
		return config, meta, fmt.Errorf("%w: no models provided", ErrConfig)
	}
	return config, meta, nil
}

// Unify fills one model's parameters from the model table, the global table
// and the built-in defaults, in that priority order.
func (c *Config) Unify(modelName string, meta *toml.MetaData) (ModelParameters, error) {
	p := c.Models[modelName]
	fill := func(field string, dst any) {
		if meta.IsDefined("Models", modelName, field) {
			return
		}
		global := meta.IsDefined(field)
		def, hasDef := defaultValues[field]
		switch d := dst.(type) {
		case *int:
			if global {
				*d = c.intField(field)
			} else if hasDef {
				*d = int(def.(int64))
			}
		case *int64:
			if global {
				*d = int64(c.intField(field))
			} else if hasDef {
				*d = def.(int64)
			}
		case *float64:
			if global {
				*d = c.floatField(field)
			} else if hasDef {
				*d = def.(float64)
			}
		case *string:
			if global {
				*d = c.stringField(field)
			} else if hasDef {
				*d = def.(string)
			}
		case *bool:
			if global {
				*d = c.boolField(field)
			} else if hasDef {
				*d = def.(bool)
			}
		}
	}

	fill("Samples", &p.Samples)
	fill("TimeWindow", &p.TimeWindow)
	fill("FiberLength", &p.FiberLength)
	fill("Lambda0", &p.Lambda0)
	fill("EffectiveArea", &p.EffectiveArea)
	fill("N2", &p.N2)
	fill("PulseShape", &p.PulseShape)
	fill("PeakPower", &p.PeakPower)
	fill("Duration", &p.Duration)
	fill("Algorithm", &p.Algorithm)
	fill("Parallelism", &p.Parallelism)
	fill("MPAMinIterations", &p.MPAMinIterations)
	fill("MPAMaxIterations", &p.MPAMaxIterations)
	fill("Tolerance", &p.Tolerance)
	fill("InitialStep", &p.InitialStep)
	fill("MaxStep", &p.MaxStep)
	fill("SaveStep", &p.SaveStep)
	fill("PulseCentering", &p.PulseCentering)
	fill("DampingWindow", &p.DampingWindow)
	fill("Threads", &p.Threads)
	fill("MemoryBudgetMB", &p.MemoryBudgetMB)
	fill("RamanModel", &p.RamanModel)
	fill("ScalarField", &p.ScalarField)
	fill("SpontaneousRaman", &p.SpontaneousRaman)
	fill("NoiseSeed", &p.NoiseSeed)
	fill("GainModel", &p.GainModel)
	fill("GainCoeff", &p.GainCoeff)
	fill("GainBandwidth", &p.GainBandwidth)
	fill("SaturationEnergy", &p.SaturationEnergy)
	fill("DopingDensity", &p.DopingDensity)
	fill("Lifetime", &p.Lifetime)
	fill("CoreDiameter", &p.CoreDiameter)
	fill("SignalOverlap", &p.SignalOverlap)
	fill("PumpOverlap", &p.PumpOverlap)
	fill("PumpWavelength", &p.PumpWavelength)
	fill("PumpPowerForward", &p.PumpPowerForward)
	fill("PumpPowerBackward", &p.PumpPowerBackward)
	fill("RepetitionRate", &p.RepetitionRate)
	fill("AbsorptionFile", &p.AbsorptionFile)
	fill("EmissionFile", &p.EmissionFile)
	fill("IncludeASE", &p.IncludeASE)
	fill("GainMaxIterations", &p.GainMaxIterations)
	fill("GainTolerance", &p.GainTolerance)
	if len(p.Betas) == 0 {
		p.Betas = c.Betas
	}
	if p.MaxStep == 0 {
		p.MaxStep = p.FiberLength / 100.
	}
	if p.SaveStep == 0 {
		p.SaveStep = p.FiberLength / 10.
	}
	return p, p.Validate()
}

// Validate performs the pre-flight consistency checks; any failure is fatal
// before propagation starts.
func (p *ModelParameters) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}
	if p.Samples <= 0 {
		return fail("Samples must be positive, got %d", p.Samples)
	}
	if p.TimeWindow <= 0 {
		return fail("TimeWindow must be positive")
	}
	if p.FiberLength <= 0 {
		return fail("FiberLength must be positive")
	}
	if len(p.Betas) == 0 {
		return fail("no dispersion coefficients (Betas) given")
	}
	if p.Tolerance <= 0 {
		return fail("Tolerance must be positive")
	}
	if p.InitialStep <= 0 || p.MaxStep <= 0 || p.InitialStep > p.FiberLength {
		return fail("step sizes must be positive and below the fiber length")
	}
	if p.SaveStep <= 0 {
		return fail("SaveStep must be positive, got %g", p.SaveStep)
	}
	saves := p.FiberLength / p.SaveStep
	if math.Abs(saves-math.Round(saves)) > 1e-9*saves {
		return fail("SaveStep %g does not divide FiberLength %g", p.SaveStep, p.FiberLength)
	}
	switch p.Algorithm {
	case "RK4IP":
	case "MPA":
		if p.Parallelism < 2 || p.Parallelism%2 != 0 {
			return fail("MPA Parallelism must be an even count >= 2, got %d", p.Parallelism)
		}
		if p.MPAMinIterations < 1 || p.MPAMaxIterations < p.MPAMinIterations {
			return fail("MPA iteration bounds are inconsistent")
		}
	default:
		return fail("unknown Algorithm %q", p.Algorithm)
	}
	switch p.RamanModel {
	case "off", "isotropic", "anisotropic":
	default:
		return fail("unknown RamanModel %q", p.RamanModel)
	}
	switch p.GainModel {
	case "none":
	case "gaussian":
		if p.GainCoeff == 0 {
			return fail("gaussian gain model needs GainCoeff")
		}
	case "rate-eqn":
		if p.DopingDensity <= 0 || p.CoreDiameter <= 0 {
			return fail("rate-eqn gain model needs DopingDensity and CoreDiameter")
		}
		if p.AbsorptionFile == "" || p.EmissionFile == "" {
			return fail("rate-eqn gain model needs AbsorptionFile and EmissionFile")
		}
		if p.PumpPowerForward < 0 || p.PumpPowerBackward < 0 {
			return fail("pump powers must be non-negative")
		}
	default:
		return fail("unknown GainModel %q", p.GainModel)
	}
	return nil
}

func (p *ModelParameters) Dt() float64 { return p.TimeWindow / float64(p.Samples) }

func (p *ModelParameters) AlgorithmKind() Algorithm {
	if p.Algorithm == "MPA" {
		return MPA
	}
	return RK4IP
}

func (p *ModelParameters) GainKind() GainKind {
	switch p.GainModel {
	case "gaussian":
		return GainGaussian
	case "rate-eqn":
		return GainRate
	}
	return GainNone
}

func (p *ModelParameters) RamanKind() fiber.RamanModel {
	switch p.RamanModel {
	case "isotropic":
		return fiber.RamanIsotropic
	case "anisotropic":
		return fiber.RamanAnisotropic
	}
	return fiber.RamanOff
}

// Fiber assembles the fixed fiber description, building the degenerate
// single-mode tensors from the effective area when no explicit tensors are
// supplied by the caller.
func (p *ModelParameters) Fiber() (*fiber.Fiber, error) {
	f := &fiber.Fiber{
		Length:  p.FiberLength,
		Betas:   p.Betas,
		N2:      p.N2,
		Lambda0: p.Lambda0,
	}
	if len(p.Betas) == 1 {
		if p.EffectiveArea <= 0 {
			return nil, fmt.Errorf("%w: EffectiveArea must be positive", ErrConfig)
		}
		t := fiber.SelfPhaseTensor(1. / p.EffectiveArea)
		f.SK, f.SRa, f.SRb = t, t, t
	}
	return f, nil
}

// RateParams loads the cross-section tables and builds the rate-equation
// parameter set.
func (p *ModelParameters) RateParams() (gain.RateEqnParams, error) {
	var rp gain.RateEqnParams
	abs, err := utils.ReadFloatPairs(p.AbsorptionFile)
	if err != nil {
		return rp, fmt.Errorf("%w: absorption cross sections: %v", ErrConfig, err)
	}
	emi, err := utils.ReadFloatPairs(p.EmissionFile)
	if err != nil {
		return rp, fmt.Errorf("%w: emission cross sections: %v", ErrConfig, err)
	}
	cs := &gain.CrossSections{}
	for _, row := range abs {
		cs.Lambda = append(cs.Lambda, row[0])
		cs.Absorption = append(cs.Absorption, row[1])
	}
	// emission resampled onto the absorption wavelength grid
	ex, ey := colX(emi), colY(emi)
	for _, l := range cs.Lambda {
		cs.Emission = append(cs.Emission, utils.Interp1(ex, ey, l))
	}
	rp = gain.RateEqnParams{
		DopingDensity:  p.DopingDensity,
		Lifetime:       p.Lifetime,
		CoreArea:       math.Pi * p.CoreDiameter * p.CoreDiameter / 4.,
		SignalOverlap:  p.SignalOverlap,
		PumpOverlap:    p.PumpOverlap,
		PumpWavelength: p.PumpWavelength,
		RepetitionRate: p.RepetitionRate,
		Sections:       cs,
		IncludeASE:     p.IncludeASE,
	}
	return rp, nil
}

func colX(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i := range rows {
		out[i] = rows[i][0]
	}
	return out
}

func colY(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i := range rows {
		out[i] = rows[i][1]
	}
	return out
}

// field accessors used by Unify; the zero value stands in when the global
// table does not define the field (IsDefined guards every call).

func (c *Config) intField(name string) int {
	v, _ := c.lookup(name).(int64)
	return int(v)
}

func (c *Config) floatField(name string) float64 {
	switch v := c.lookup(name).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (c *Config) stringField(name string) string {
	v, _ := c.lookup(name).(string)
	return v
}

func (c *Config) boolField(name string) bool {
	v, _ := c.lookup(name).(bool)
	return v
}

func (c *Config) lookup(name string) any {
	// mirror of the embedded ModelParameters fields that may appear at the
	// top level of the file
	g := c.ModelParameters
	switch name {
	case "Samples":
		return int64(g.Samples)
	case "TimeWindow":
		return g.TimeWindow
	case "FiberLength":
		return g.FiberLength
	case "Lambda0":
		return g.Lambda0
	case "EffectiveArea":
		return g.EffectiveArea
	case "N2":
		return g.N2
	case "PulseShape":
		return g.PulseShape
	case "PeakPower":
		return g.PeakPower
	case "Duration":
		return g.Duration
	case "Algorithm":
		return g.Algorithm
	case "Parallelism":
		return int64(g.Parallelism)
	case "MPAMinIterations":
		return int64(g.MPAMinIterations)
	case "MPAMaxIterations":
		return int64(g.MPAMaxIterations)
	case "Tolerance":
		return g.Tolerance
	case "InitialStep":
		return g.InitialStep
	case "MaxStep":
		return g.MaxStep
	case "SaveStep":
		return g.SaveStep
	case "PulseCentering":
		return g.PulseCentering
	case "DampingWindow":
		return g.DampingWindow
	case "Threads":
		return int64(g.Threads)
	case "MemoryBudgetMB":
		return int64(g.MemoryBudgetMB)
	case "RamanModel":
		return g.RamanModel
	case "ScalarField":
		return g.ScalarField
	case "SpontaneousRaman":
		return g.SpontaneousRaman
	case "NoiseSeed":
		return g.NoiseSeed
	case "GainModel":
		return g.GainModel
	case "GainCoeff":
		return g.GainCoeff
	case "GainBandwidth":
		return g.GainBandwidth
	case "SaturationEnergy":
		return g.SaturationEnergy
	case "DopingDensity":
		return g.DopingDensity
	case "Lifetime":
		return g.Lifetime
	case "CoreDiameter":
		return g.CoreDiameter
	case "SignalOverlap":
		return g.SignalOverlap
	case "PumpOverlap":
		return g.PumpOverlap
	case "PumpWavelength":
		return g.PumpWavelength
	case "PumpPowerForward":
		return g.PumpPowerForward
	case "PumpPowerBackward":
		return g.PumpPowerBackward
	case "RepetitionRate":
		return g.RepetitionRate
	case "AbsorptionFile":
		return g.AbsorptionFile
	case "EmissionFile":
		return g.EmissionFile
	case "IncludeASE":
		return g.IncludeASE
	case "GainMaxIterations":
		return int64(g.GainMaxIterations)
	case "GainTolerance":
		return g.GainTolerance
	}
	return nil
}

// MakeOutputDir prepares the configured output directory and returns the
// path prefix for result files.
func (c *Config) MakeOutputDir() string {
	if c.OutputDir != "" && c.OutputDir != "." {
		os.MkdirAll(c.OutputDir, 0750)
		return c.OutputDir + "/"
	}
	return ""
}
