package constants

import "math"

const LightSpeed float64 = 2.99792458e8 // [m s^-1]
const Planck float64 = 6.62607015e-34   // [J s]
const KBolzmann float64 = 1.380649e-23  // [J K^-1]
const RoomTemperature float64 = 300.    // [K]

var HBar = Planck / (2. * math.Pi) // [J s]

// FreqFromWavelength returns the optical frequency [Hz] for a vacuum wavelength [m].
func FreqFromWavelength(lambda float64) float64 {
	return LightSpeed / lambda
}

// PhotonEnergy returns h*nu [J] for a vacuum wavelength [m].
func PhotonEnergy(lambda float64) float64 {
	return Planck * LightSpeed / lambda
}
