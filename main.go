package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/denny2001/MMTools/internal/config"
	"github.com/denny2001/MMTools/internal/propagate"
)

type output struct {
	saveFlag    *bool
	fileSuffix  string
	columnNames []string
	index       *[]float64
	data        *[]float64
	scalers     []func(float64) float64
}

func main() {
	var zAxis []float64
	var energy []float64
	var pumpForward []float64
	var pumpBackward []float64
	var inversion []float64
	var timeDelay []float64
	var stepSize []float64
	var aseForward []float64
	var aseBackward []float64
	var tAxis []float64
	var pulsePower []float64
	var lambdaAxis []float64
	var spectrum []float64

	outputs := map[string]output{
		"Pulse energy": {
			saveFlag:    flag.Bool("e", false, "save pulse energy along the fiber"),
			fileSuffix:  "energy",
			columnNames: []string{"z (m)", "E (nJ)"},
			index:       &zAxis,
			data:        &energy,
			scalers:     []func(float64) float64{nil, j2nj},
		},
		"Forward pump": {
			saveFlag:    flag.Bool("pf", false, "save forward pump power along the fiber"),
			fileSuffix:  "pump_fwd",
			columnNames: []string{"z (m)", "P (W)"},
			index:       &zAxis,
			data:        &pumpForward,
		},
		"Backward pump": {
			saveFlag:    flag.Bool("pb", false, "save backward pump power along the fiber"),
			fileSuffix:  "pump_bwd",
			columnNames: []string{"z (m)", "P (W)"},
			index:       &zAxis,
			data:        &pumpBackward,
		},
		"Inversion": {
			saveFlag:    flag.Bool("n2", false, "save excited-state fraction along the fiber"),
			fileSuffix:  "inversion",
			columnNames: []string{"z (m)", "N2/Nt"},
			index:       &zAxis,
			data:        &inversion,
		},
		"Forward ASE": {
			saveFlag:    flag.Bool("af", false, "save total forward ASE power along the fiber"),
			fileSuffix:  "ase_fwd",
			columnNames: []string{"z (m)", "P (mW)"},
			index:       &zAxis,
			data:        &aseForward,
			scalers:     []func(float64) float64{nil, w2mw},
		},
		"Backward ASE": {
			saveFlag:    flag.Bool("ab", false, "save total backward ASE power along the fiber"),
			fileSuffix:  "ase_bwd",
			columnNames: []string{"z (m)", "P (mW)"},
			index:       &zAxis,
			data:        &aseBackward,
			scalers:     []func(float64) float64{nil, w2mw},
		},
		"Time delay": {
			saveFlag:    flag.Bool("td", false, "save accumulated centering delay along the fiber"),
			fileSuffix:  "time_delay",
			columnNames: []string{"z (m)", "dT (ps)"},
			index:       &zAxis,
			data:        &timeDelay,
			scalers:     []func(float64) float64{nil, s2ps},
		},
		"Step size": {
			saveFlag:    flag.Bool("dz", false, "save adaptive step size along the fiber"),
			fileSuffix:  "step_size",
			columnNames: []string{"z (m)", "dz (mm)"},
			index:       &zAxis,
			data:        &stepSize,
			scalers:     []func(float64) float64{nil, m2mm},
		},
		"Output pulse": {
			saveFlag:    flag.Bool("pulse", false, "save output pulse power profile"),
			fileSuffix:  "pulse",
			columnNames: []string{"t (ps)", "P (W)"},
			index:       &tAxis,
			data:        &pulsePower,
			scalers:     []func(float64) float64{s2ps, nil},
		},
		"Output spectrum": {
			saveFlag:    flag.Bool("spec", false, "save output spectral energy density"),
			fileSuffix:  "spectrum",
			columnNames: []string{"lambda (nm)", "E (nJ per bin)"},
			index:       &lambdaAxis,
			data:        &spectrum,
			scalers:     []func(float64) float64{m2nm, j2nj},
		},
	}
	var configFileNamePointer = flag.String("input", "ybdfa", "model configuration in toml format")
	flag.Parse()

	startTime := time.Now()
	fmt.Printf("Current time: %s\n", startTime.UTC().Format(time.UnixDate))

	configFileName := strings.TrimSuffix(*configFileNamePointer, ".toml")
	cfg, meta, err := config.LoadConfig(configFileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	outputPath := cfg.MakeOutputDir()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for modelName := range cfg.Models {
		fmt.Println("\n" + modelName)
		p, err := cfg.Unify(modelName, &meta)
		if err != nil {
			fmt.Fprintln(os.Stderr, modelName+": ", err)
			continue
		}
		fib, err := p.Fiber()
		if err != nil {
			fmt.Fprintln(os.Stderr, modelName+": ", err)
			continue
		}

		opt := propagate.Options{Params: p, Fiber: fib, Input: launchPulse(p)}
		if p.GainKind() == config.GainRate {
			rp, err := p.RateParams()
			if err != nil {
				fmt.Fprintln(os.Stderr, modelName+": ", err)
				continue
			}
			opt.RateParams = &rp
		}

		res, err := propagate.Run(ctx, opt)
		if err != nil {
			fmt.Fprintln(os.Stderr, modelName+": ", err)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}
			continue
		}

		zAxis = res.Z
		energy = pulseEnergies(res, p.Dt())
		pumpForward = res.PumpFwd
		pumpBackward = res.PumpBwd
		inversion = res.N2
		timeDelay = res.TDelay
		stepSize = res.DeltaZ
		aseForward = totalPowers(res.ASEFwd)
		aseBackward = totalPowers(res.ASEBwd)
		tAxis, pulsePower = outputPulse(res, p)
		lambdaAxis, spectrum = outputSpectrum(res, p)

		fmt.Printf("  %d steps, %d rejected, output energy %.4g nJ, spectral peak %.4g nm\n",
			res.Steps, res.Rejected, j2nj(res.OutputEnergy(p.Dt())),
			m2nm(peakWavelength(lambdaAxis, spectrum)))

		for name, o := range outputs {
			if !*o.saveFlag {
				continue
			}
			rows := makeRows(*o.index, *o.data, o.scalers)
			if err := writeRows(rows, outputPath, modelName, o.fileSuffix, o.columnNames); err != nil {
				fmt.Fprintln(os.Stderr, "unable to save "+name+": ", err)
				continue
			}
			fmt.Println("  " + name + " saved")
		}
	}
	fmt.Printf("Elapsed time: %v\n", time.Since(startTime))
}
