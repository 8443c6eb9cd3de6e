package tracking

import (
	"math"
	"time"

	"github.com/w1xm/pwi_interface/internal/units"
)

const (
	j2000          = 2451545.0
	unixEpochJD    = 2440587.5
	daysPerCentury = 36525.0
	arcsec         = 1.0 / 3600
)

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

// julianDate returns the Julian date of t (UTC, ignoring leap seconds).
func julianDate(t time.Time) float64 {
	return unixEpochJD + float64(t.UnixNano())/(86400*1e9)
}

// gmst returns Greenwich mean sidereal time in degrees.
func gmst(jd float64) float64 {
	d := jd - j2000
	T := d / daysPerCentury
	return units.Normalize(280.46061837 + 360.98564736629*d + 0.000387933*T*T - T*T*T/38710000)
}

// localSiderealTime returns the local mean sidereal time in degrees for an
// east-positive longitude.
func localSiderealTime(jd, longitude float64) float64 {
	return units.Normalize(gmst(jd) + longitude)
}

// precess moves J2000 mean coordinates to the mean equinox of jd using the
// IAU 1976 angles. All values in degrees.
func precess(ra, dec, jd float64) (float64, float64) {
	T := (jd - j2000) / daysPerCentury
	zeta := deg2rad((2306.2181*T + 0.30188*T*T + 0.017998*T*T*T) * arcsec)
	z := deg2rad((2306.2181*T + 1.09468*T*T + 0.018203*T*T*T) * arcsec)
	theta := deg2rad((2004.3109*T - 0.42665*T*T - 0.041833*T*T*T) * arcsec)

	a0, d0 := deg2rad(ra)+zeta, deg2rad(dec)
	A := math.Cos(d0) * math.Sin(a0)
	B := math.Cos(theta)*math.Cos(d0)*math.Cos(a0) - math.Sin(theta)*math.Sin(d0)
	C := math.Sin(theta)*math.Cos(d0)*math.Cos(a0) + math.Cos(theta)*math.Sin(d0)

	return units.Normalize(rad2deg(math.Atan2(A, B) + z)), rad2deg(math.Asin(clamp(C)))
}

// properMotion applies proper motion in mas/yr over the years elapsed since
// epoch. pmRA already includes the cos(dec) factor.
func properMotion(ra, dec, pmRA, pmDec, years float64) (float64, float64) {
	if pmRA == 0 && pmDec == 0 {
		return ra, dec
	}
	const masToDeg = 1.0 / 3.6e6
	dec2 := dec + pmDec*years*masToDeg
	if c := math.Cos(deg2rad(dec)); c > 1e-9 {
		ra += pmRA * years * masToDeg / c
	}
	if dec2 > 90 {
		dec2, ra = 180-dec2, ra+180
	} else if dec2 < -90 {
		dec2, ra = -180-dec2, ra+180
	}
	return units.Normalize(ra), dec2
}

// equhor converts between hour-angle/declination and azimuth/altitude at
// latitude phi. The transform is its own inverse. Azimuth is measured from
// north through east. Arguments are in radians.
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := (sy * sphi) + (cy * cphi * cx)
	q := math.Asin(clamp(sq))

	cp := (sy - (sphi * sq)) / (cphi * math.Cos(q))
	if math.IsNaN(cp) {
		// At the pole of the output frame the longitude is undefined.
		return 0, q
	}
	p := math.Acos(clamp(cp))
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

func equhorDeg(x, y, phi float64) (float64, float64) {
	p, q := equhor(deg2rad(x), deg2rad(y), deg2rad(phi))
	return units.Normalize(rad2deg(p)), rad2deg(q)
}

// refraction returns the apparent altitude lift in degrees for a true
// altitude, using Saemundsson's formula scaled for pressure (hPa) and
// temperature (C). Zero pressure disables the correction.
func refraction(alt, pressure, temperature float64) float64 {
	if pressure <= 0 || alt < -1 {
		return 0
	}
	r := 1.02 / math.Tan(deg2rad(alt+10.3/(alt+5.11)))
	r *= (pressure / 1010) * (283 / (273 + temperature))
	return units.ArcminutesToDegrees(r)
}

func clamp(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
