package zoom

import (
	"math"
	"strconv"
	"strings"
)

const (
	// baseMetresPerPixel is the Google/Bing tile scale at zoom 0.
	baseMetresPerPixel = 156543.03390625

	// tolerancePixels2 is the area, in square pixels, below which a vertex's
	// effective triangle is dropped by Visvalingam-Whyatt simplification.
	tolerancePixels2 = 7.0

	// metresPerDegree uses the spherical WGS84 radius.
	metresPerDegree = 2.0 * math.Pi * 6378137.0 / 360.0
)

// MetresPerPixel returns the ground resolution at zoom z.
func MetresPerPixel(z int) float64 {
	return baseMetresPerPixel / math.Pow(2.0, float64(z))
}

// Tolerance returns the Visvalingam-Whyatt area tolerance, in square metres,
// for boundaries displayed at zoom z.
func Tolerance(z int) float64 {
	mpp := MetresPerPixel(z + 1)
	return mpp * mpp * tolerancePixels2
}

// DecimalPlaces returns how many decimal places of a degree coordinate are
// worth keeping at zoom z: one more than the number of leading zeros in the
// fractional part of a pixel's width in degrees.
func DecimalPlaces(z int) int {
	degreesPerPixel := MetresPerPixel(z) / metresPerDegree

	s := strconv.FormatFloat(degreesPerPixel, 'f', 9, 64)
	_, frac, _ := strings.Cut(s, ".")

	places := 1
	for _, c := range frac {
		if c != '0' {
			break
		}
		places++
	}
	return places
}
