package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/w1xm/pwi_interface/internal/units"
)

var ErrInvalidTLE = errors.New("invalid TLE")

// Satellite is an Earth-orbiting body propagated with SGP4 from a two-line
// element set.
type Satellite struct {
	Name         string
	Line1, Line2 string

	sat satellite.Satellite
}

// ParseTLE parses a two- or three-line element set. A leading name line is
// optional.
func ParseTLE(text string) (*Satellite, error) {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(text, "\r", ""), "\n") {
		if l = strings.TrimRight(l, " \t"); l != "" {
			lines = append(lines, l)
		}
	}
	var name string
	switch len(lines) {
	case 2:
	case 3:
		name = strings.TrimSpace(strings.TrimPrefix(lines[0], "0 "))
		lines = lines[1:]
	default:
		return nil, fmt.Errorf("%w: expected 2 or 3 lines, got %d", ErrInvalidTLE, len(lines))
	}
	for i, l := range lines {
		if err := checkTLELine(l, i+1); err != nil {
			return nil, err
		}
	}
	if lines[0][2:7] != lines[1][2:7] {
		return nil, fmt.Errorf("%w: catalog numbers %q and %q differ", ErrInvalidTLE, lines[0][2:7], lines[1][2:7])
	}
	if err := checkTLEFields(lines[0], lines[1]); err != nil {
		return nil, err
	}
	if name == "" {
		name = strings.TrimSpace(lines[0][2:7])
	}
	return &Satellite{
		Name:  name,
		Line1: lines[0],
		Line2: lines[1],
		sat:   satellite.TLEToSat(lines[0], lines[1], satellite.GravityWGS72),
	}, nil
}

// tleField extracts one element column the way satellite.ParseTLE reads it.
type tleField struct {
	name  string
	line  int
	isInt bool
	text  func(l string) string
}

func squeeze(s string) string { return strings.Replace(s, " ", "", 2) }

func exponent(l string, at int) string {
	return squeeze(l[at:at+1] + "." + l[at+1:at+6] + "e" + l[at+6:at+8])
}

var tleFields = []tleField{
	{"catalog number", 1, true, func(l string) string { return strings.TrimSpace(l[2:7]) }},
	{"epoch year", 1, true, func(l string) string { return l[18:20] }},
	{"epoch day", 1, false, func(l string) string { return l[20:32] }},
	{"first derivative of mean motion", 1, false, func(l string) string { return squeeze(l[33:43]) }},
	{"second derivative of mean motion", 1, false, func(l string) string { return exponent(l, 44) }},
	{"drag term", 1, false, func(l string) string { return exponent(l, 53) }},
	{"inclination", 2, false, func(l string) string { return squeeze(l[8:16]) }},
	{"right ascension of ascending node", 2, false, func(l string) string { return squeeze(l[17:25]) }},
	{"eccentricity", 2, false, func(l string) string { return "." + l[26:33] }},
	{"argument of perigee", 2, false, func(l string) string { return squeeze(l[34:42]) }},
	{"mean anomaly", 2, false, func(l string) string { return squeeze(l[43:51]) }},
	{"mean motion", 2, false, func(l string) string { return squeeze(l[52:63]) }},
}

// checkTLEFields rejects element sets that satellite.TLEToSat cannot parse,
// since it exits the process on malformed numbers.
func checkTLEFields(line1, line2 string) error {
	for _, f := range tleFields {
		l := line1
		if f.line == 2 {
			l = line2
		}
		text := f.text(l)
		var err error
		if f.isInt {
			_, err = strconv.ParseInt(text, 10, 0)
		} else {
			_, err = strconv.ParseFloat(text, 64)
		}
		if err != nil {
			return fmt.Errorf("%w: line %d %s %q is not a number", ErrInvalidTLE, f.line, f.name, text)
		}
	}
	return nil
}

func checkTLELine(l string, n int) error {
	if len(l) != 69 {
		return fmt.Errorf("%w: line %d has %d characters, want 69", ErrInvalidTLE, n, len(l))
	}
	if l[0] != byte('0'+n) || l[1] != ' ' {
		return fmt.Errorf("%w: line %d does not start with %q", ErrInvalidTLE, n, fmt.Sprintf("%d ", n))
	}
	sum := 0
	for _, c := range l[:68] {
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	if want := int(l[68] - '0'); sum%10 != want {
		return fmt.Errorf("%w: line %d checksum %d, want %c", ErrInvalidTLE, n, sum%10, l[68])
	}
	return nil
}

// Lines returns the element set in three-line form.
func (s *Satellite) Lines() [3]string {
	return [3]string{s.Name, s.Line1, s.Line2}
}

func (s *Satellite) String() string {
	return s.Name
}

// Locate propagates the orbit to t and converts it to the observer's
// horizontal frame. SGP4 is evaluated at whole seconds; positions in between
// are interpolated linearly.
func (s *Satellite) Locate(_ context.Context, site Site, t time.Time) (Coordinate, error) {
	t = t.UTC()
	t0 := t.Truncate(time.Second)
	p0, err := s.ecef(t0)
	if err != nil {
		return Coordinate{}, err
	}
	if frac := t.Sub(t0).Seconds(); frac > 0 {
		p1, err := s.ecef(t0.Add(time.Second))
		if err != nil {
			return Coordinate{}, err
		}
		p0 = satellite.Vector3{
			X: p0.X + (p1.X-p0.X)*frac,
			Y: p0.Y + (p1.Y-p0.Y)*frac,
			Z: p0.Z + (p1.Z-p0.Z)*frac,
		}
	}
	az, alt := site.lookAngles(p0)
	return site.fromHorizontal(az, alt, t, true), nil
}

func (s *Satellite) ecef(t time.Time) (satellite.Vector3, error) {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	pos, _ := satellite.Propagate(s.sat, year, int(month), day, hour, min, sec)
	if r := math.Sqrt(pos.X*pos.X + pos.Y*pos.Y + pos.Z*pos.Z); math.IsNaN(r) || r < 6000 {
		return satellite.Vector3{}, fmt.Errorf("propagating %s to %v: no valid position", s.Name, t)
	}
	gst := satellite.ThetaG_JD(satellite.JDay(year, int(month), day, hour, min, sec))
	return satellite.ECIToECEF(pos, gst), nil
}

// WGS84 ellipsoid, kilometers.
const (
	earthRadius     = 6378.137
	earthFlattening = 1 / 298.257223563
)

// ecef returns the site's Earth-fixed position in kilometers.
func (s Site) ecef() satellite.Vector3 {
	lat, lon := deg2rad(s.Latitude), deg2rad(s.Longitude)
	e2 := earthFlattening * (2 - earthFlattening)
	n := earthRadius / math.Sqrt(1-e2*math.Sin(lat)*math.Sin(lat))
	h := s.Elevation / 1000
	return satellite.Vector3{
		X: (n + h) * math.Cos(lat) * math.Cos(lon),
		Y: (n + h) * math.Cos(lat) * math.Sin(lon),
		Z: (n*(1-e2) + h) * math.Sin(lat),
	}
}

// lookAngles returns the geometric azimuth and altitude in degrees of an
// Earth-fixed position.
func (s Site) lookAngles(p satellite.Vector3) (float64, float64) {
	o := s.ecef()
	rx, ry, rz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	lat, lon := deg2rad(s.Latitude), deg2rad(s.Longitude)
	sl, cl := math.Sin(lat), math.Cos(lat)
	so, co := math.Sin(lon), math.Cos(lon)

	east := -so*rx + co*ry
	north := -sl*co*rx - sl*so*ry + cl*rz
	up := cl*co*rx + cl*so*ry + sl*rz
	r := math.Sqrt(rx*rx + ry*ry + rz*rz)

	return units.Normalize(rad2deg(math.Atan2(east, north))), rad2deg(math.Asin(clamp(up / r)))
}
