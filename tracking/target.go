package tracking

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
)

// Site is the observer's location and ambient conditions.
type Site struct {
	Latitude  float64 // degrees, north positive
	Longitude float64 // degrees, east positive
	Elevation float64 // meters above the WGS84 ellipsoid
	// Pressure in hPa and Temperature in C scale the refraction
	// correction. Zero pressure disables refraction.
	Pressure    float64
	Temperature float64
}

// Coordinate is a topocentric pointing solution. RA and Dec are referred to
// the equinox of date; Alt includes refraction. All values in degrees.
type Coordinate struct {
	RA, Dec   float64
	Az, Alt   float64
	HourAngle float64 // in (-180, 180], negative east of the meridian
}

// Axes returns the coordinate pair for the given mount frame.
func (c Coordinate) Axes(f device.Frame) (float64, float64) {
	if f == device.FrameHorizontal {
		return c.Az, c.Alt
	}
	return c.RA, c.Dec
}

// J2000 is a geocentric position referred to the J2000 equinox.
type J2000 struct {
	RA, Dec float64
}

// Target is anything that can be located in the sky at a given time.
// Implementations must not have side effects. Locate may block on ctx when
// the position comes from an external service.
type Target interface {
	Locate(ctx context.Context, site Site, t time.Time) (Coordinate, error)
	String() string
}

// fromJ2000 converts a J2000 position to topocentric coordinates at t.
func (s Site) fromJ2000(ra, dec float64, t time.Time) Coordinate {
	ra, dec = precess(ra, dec, julianDate(t))
	return s.Apparent(ra, dec, t)
}

// Apparent converts RA/Dec of date to topocentric coordinates at t.
func (s Site) Apparent(ra, dec float64, t time.Time) Coordinate {
	ha := units.Delta(0, localSiderealTime(julianDate(t), s.Longitude)-ra)
	az, alt := equhorDeg(ha, dec, s.Latitude)
	return Coordinate{
		RA:        ra,
		Dec:       dec,
		Az:        az,
		Alt:       alt + refraction(alt, s.Pressure, s.Temperature),
		HourAngle: ha,
	}
}

// Horizontal returns the coordinates of a geometric az/alt position at t.
func (s Site) Horizontal(az, alt float64, t time.Time) Coordinate {
	return s.fromHorizontal(az, alt, t, false)
}

// fromHorizontal fills in the equatorial coordinates of a geometric az/alt
// position at t, optionally applying refraction to the altitude.
func (s Site) fromHorizontal(az, alt float64, t time.Time, refract bool) Coordinate {
	jd := julianDate(t)
	ha, dec := equhorDeg(az, alt, s.Latitude)
	ha = units.Delta(0, ha)
	c := Coordinate{
		RA:        units.Normalize(localSiderealTime(jd, s.Longitude) - ha),
		Dec:       dec,
		Az:        units.Normalize(az),
		Alt:       alt,
		HourAngle: ha,
	}
	if refract {
		c.Alt += refraction(alt, s.Pressure, s.Temperature)
	}
	return c
}

// Catalog is a fixed star position with proper motion.
type Catalog struct {
	Name    string
	RA, Dec float64 // degrees, J2000 equinox at Epoch
	// PMRA (including the cos(dec) factor) and PMDec in mas/yr.
	PMRA, PMDec float64
	// Epoch of the position as a Julian year. Zero means 2000.0.
	Epoch float64
}

func (c Catalog) Locate(_ context.Context, site Site, t time.Time) (Coordinate, error) {
	if math.IsNaN(c.RA) || math.IsNaN(c.Dec) || c.Dec < -90 || c.Dec > 90 {
		return Coordinate{}, fmt.Errorf("%v: invalid position", c)
	}
	epoch := c.Epoch
	if epoch == 0 {
		epoch = 2000
	}
	years := (julianDate(t)-j2000)/365.25 + 2000 - epoch
	ra, dec := properMotion(units.Normalize(c.RA), c.Dec, c.PMRA, c.PMDec, years)
	return site.fromJ2000(ra, dec, t), nil
}

func (c Catalog) String() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("RA %.4f Dec %.4f", c.RA, c.Dec)
}

// Fixed is a position fixed in the horizontal frame, used for calibration
// points and terrestrial targets. No refraction is applied.
type Fixed struct {
	Az, Alt float64
}

func (f Fixed) Locate(_ context.Context, site Site, t time.Time) (Coordinate, error) {
	if math.IsNaN(f.Az) || math.IsNaN(f.Alt) || f.Alt < -90 || f.Alt > 90 {
		return Coordinate{}, fmt.Errorf("%v: invalid position", f)
	}
	return site.fromHorizontal(f.Az, f.Alt, t, false), nil
}

func (f Fixed) String() string {
	return fmt.Sprintf("Az %.4f Alt %.4f", f.Az, f.Alt)
}

// Resolver looks up moving bodies in an external ephemeris or catalog
// service. Resolve returns geocentric J2000 coordinates and may be called
// repeatedly for the same id and time.
type Resolver interface {
	Resolve(ctx context.Context, id string, t time.Time) (J2000, error)
}

// Ephemeris is a moving body whose position comes from a Resolver.
type Ephemeris struct {
	ID       string
	Resolver Resolver
	// Timeout bounds each lookup. Zero means five seconds.
	Timeout time.Duration
}

func (e Ephemeris) Locate(ctx context.Context, site Site, t time.Time) (Coordinate, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	eq, err := e.Resolver.Resolve(ctx, e.ID, t)
	if err != nil {
		return Coordinate{}, fmt.Errorf("resolving %s: %w", e.ID, err)
	}
	return site.fromJ2000(eq.RA, eq.Dec, t), nil
}

func (e Ephemeris) String() string {
	return e.ID
}
