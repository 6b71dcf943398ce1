// Package refraction computes atmospheric refraction and differential chromatic
// refraction for a ground-based observatory, following Stone (1996) with the
// Edlén refractivity formula and a water-vapour correction.
package refraction

import (
	"errors"
	"fmt"
	"math"

	"dcrcoadd/pkg/geom"
)

// Range errors of the refraction formulas.
var (
	ErrWavelength = errors.New("wavelength outside of supported range")
	ErrElevation  = errors.New("elevation outside of supported range")
)

const (
	// Supported wavelength range of the refractivity formula, in nm.
	MinWavelength = 230.0
	MaxWavelength = 2059.0

	deltaRefractScale = 1.0e8
	kelvinOffset      = 273.15
)

// Observatory is the location of a telescope.
type Observatory struct {
	Longitude geom.Angle
	Latitude  geom.Angle
	// Elevation above sea level in meters.
	Elevation float64
}

// Weather holds the conditions at the telescope.
type Weather struct {
	// AirTemperature in degrees Celsius.
	AirTemperature float64
	// AirPressure in pascals.
	AirPressure float64
	// Humidity is relative humidity in percent.
	Humidity float64
}

// DefaultWeather returns standard-atmosphere conditions at the given altitude in meters.
func DefaultWeather(altitude float64) Weather {
	const (
		seaLevelPressure    = 101325.0
		seaLevelTemperature = 288.15
		lapseRate           = 0.0065
		gravity             = 9.80665
		molarMass           = 0.0289644
		gasConstant         = 8.31447
	)
	temperature := seaLevelTemperature - lapseRate*altitude
	pressure := seaLevelPressure * math.Exp(-(gravity*molarMass*altitude)/(gasConstant*seaLevelTemperature))
	return Weather{
		AirTemperature: temperature - kelvinOffset,
		AirPressure:    pressure,
		Humidity:       40,
	}
}

// Refraction returns the refraction angle at the given wavelength (nm) and
// elevation. A zero Weather is replaced by DefaultWeather for the observatory.
func Refraction(wavelength float64, elevation geom.Angle, obs Observatory, weather Weather) (geom.Angle, error) {
	if err := checkWavelength(wavelength); err != nil {
		return 0, err
	}
	if err := checkElevation(elevation); err != nil {
		return 0, err
	}
	if weather == (Weather{}) {
		weather = DefaultWeather(obs.Elevation)
	}

	reducedN := deltaN(wavelength, weather) / deltaRefractScale
	temperature := weather.AirTemperature + kelvinOffset
	scaleHeightRatio := 4.5908e-6 * temperature

	// Oblate Earth, equation 10 of Stone 1996.
	sinLat := math.Sin(obs.Latitude.Radians())
	sin2Lat := math.Sin(2 * obs.Latitude.Radians())
	relativeGravity := 1 + 0.005302*sinLat*sinLat - 0.00000583*sin2Lat*sin2Lat - 0.000000315*obs.Elevation

	tanZ := math.Tan(math.Pi/2 - elevation.Radians())
	term1 := reducedN * relativeGravity * (1 - scaleHeightRatio)
	term2 := reducedN * relativeGravity * (scaleHeightRatio - reducedN/2)
	return geom.Angle(term1*tanZ + term2*tanZ*tanZ*tanZ), nil
}

// DifferentialRefraction returns the refraction at wavelength relative to the
// refraction at wavelengthRef. It is negative when wavelength is redder.
func DifferentialRefraction(wavelength, wavelengthRef float64, elevation geom.Angle, obs Observatory, weather Weather) (geom.Angle, error) {
	start, err := Refraction(wavelength, elevation, obs, weather)
	if err != nil {
		return 0, err
	}
	end, err := Refraction(wavelengthRef, elevation, obs, weather)
	if err != nil {
		return 0, err
	}
	return start - end, nil
}

// Atmosphere evaluates refraction with the formulas of this package.
type Atmosphere struct{}

// DifferentialRefraction implements dcr.Refractor.
func (Atmosphere) DifferentialRefraction(wavelength, wavelengthRef float64, elevation geom.Angle, obs Observatory, weather Weather) (geom.Angle, error) {
	return DifferentialRefraction(wavelength, wavelengthRef, elevation, obs, weather)
}

// deltaN is the refractivity (n-1) scaled by 1e8.
func deltaN(wavelength float64, weather Weather) float64 {
	waveNum := 1e3 / wavelength // inverse microns
	k2 := waveNum * waveNum
	dryAir := 2371.34 + 683939.7/(130-k2) + 4547.3/(38.9-k2)
	wetAir := 6487.31 + 58.058*k2 - 0.71150*k2*k2 + 0.08851*k2*k2*k2
	return dryAir*densityFactorDry(weather) + wetAir*densityFactorWater(weather)
}

func densityFactorDry(weather Weather) float64 {
	temperature := weather.AirTemperature + kelvinOffset
	dryPressure := (weather.AirPressure - waterVaporPressure(weather)) / 100 // mbar
	eqn := dryPressure / temperature
	return eqn * (1 + dryPressure*(57.90e-8-9.3250e-4/temperature+0.25844/(temperature*temperature)))
}

func densityFactorWater(weather Weather) float64 {
	temperature := weather.AirTemperature + kelvinOffset
	vapor := waterVaporPressure(weather) / 100 // mbar
	eqn1 := -2.37321e-3 + 2.23366/temperature - 710.792/(temperature*temperature) +
		7.75141e-4/(temperature*temperature*temperature)
	eqn2 := vapor * (1 + 3.7e-4*vapor)
	return (1 + eqn2*eqn1) * vapor / temperature
}

// waterVaporPressure returns the partial pressure of water vapour in pascals,
// from the dew point implied by temperature and relative humidity.
func waterVaporPressure(weather Weather) float64 {
	if weather.Humidity <= 0 {
		return 0
	}
	x := math.Log(weather.Humidity / 100)
	t := weather.AirTemperature
	eqn1 := (t+238.3)*x + 17.2694*t
	eqn2 := (t+238.3)*(17.2694-x) - 17.2694*t
	dew := 238.3 * eqn1 / eqn2
	mmHg := 4.50874 + 0.341724*dew + 0.0106778*dew*dew + 0.184889e-3*math.Pow(dew, 3) +
		0.238294e-5*math.Pow(dew, 4) + 0.203447e-7*math.Pow(dew, 5)
	return mmHg * 133.32239
}

func checkWavelength(wavelength float64) error {
	if wavelength < MinWavelength || wavelength > MaxWavelength || math.IsNaN(wavelength) {
		return fmt.Errorf("%w: %.1f nm not in [%.0f, %.0f]", ErrWavelength, wavelength, MinWavelength, MaxWavelength)
	}
	return nil
}

func checkElevation(elevation geom.Angle) error {
	if elevation.Radians() <= 0 || elevation.Radians() > math.Pi/2+1e-12 || math.IsNaN(elevation.Radians()) {
		return fmt.Errorf("%w: %s not in (0, 90] deg", ErrElevation, elevation)
	}
	return nil
}
