package tracking

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/pwi_interface/internal/units"
)

const (
	issLine1 = "1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927"
	issLine2 = "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537"
)

var issEpoch = time.Date(2008, 9, 20, 12, 25, 40, 0, time.UTC)

func TestParseTLE(t *testing.T) {
	for _, test := range []struct {
		name     string
		text     string
		wantName string
		wantErr  bool
	}{
		{"two lines", issLine1 + "\n" + issLine2 + "\n", "25544", false},
		{"three lines", "ISS (ZARYA)\r\n" + issLine1 + "\r\n" + issLine2, "ISS (ZARYA)", false},
		{"name line marker", "0 ISS\n" + issLine1 + "\n" + issLine2, "ISS", false},
		{"one line", issLine1, "", true},
		{"bad checksum", issLine1[:68] + "8\n" + issLine2, "", true},
		{"short line", issLine1[:60] + "\n" + issLine2, "", true},
		{"swapped lines", issLine2 + "\n" + issLine1, "", true},
		{"mismatched catalog", issLine1 + "\n" + strings.Replace(issLine2, "25544", "25545", 1)[:68] + "8", "", true},
		{"alpha-5 catalog number",
			"1 A5544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2925\n" +
				"2 A5544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563535", "", true},
		{"malformed epoch", "1 25544U 98067A   08264.5178252x -.00002182  00000-0 -11606-4 0  2929\n" + issLine2, "", true},
	} {
		t.Run(test.name, func(t *testing.T) {
			s, err := ParseTLE(test.text)
			if test.wantErr {
				if !errors.Is(err, ErrInvalidTLE) {
					t.Errorf("ParseTLE = %v, want ErrInvalidTLE", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(s.Lines(), [3]string{test.wantName, issLine1, issLine2}); diff != "" {
				t.Errorf("unexpected lines: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestSatelliteOverhead(t *testing.T) {
	s, err := ParseTLE(issLine1 + "\n" + issLine2)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.ecef(issEpoch)
	if err != nil {
		t.Fatal(err)
	}
	r := math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
	if r < 6600 || r > 6900 {
		t.Fatalf("orbit radius %v km, want low Earth orbit", r)
	}
	// An observer at the sub-satellite point sees it near the zenith.
	below := Site{
		Latitude:  rad2deg(math.Asin(p.Z / r)),
		Longitude: rad2deg(math.Atan2(p.Y, p.X)),
	}
	c, err := s.Locate(context.Background(), below, issEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if c.Alt < 85 {
		t.Errorf("altitude from sub-satellite point %v, want near 90", c.Alt)
	}
	// And one on the far side of the Earth does not.
	antipode := Site{Latitude: -below.Latitude, Longitude: units.Normalize(below.Longitude + 180)}
	if c, _ := s.Locate(context.Background(), antipode, issEpoch); c.Alt > -80 {
		t.Errorf("altitude from antipode %v, want near -90", c.Alt)
	}
}

func TestSatelliteInterpolation(t *testing.T) {
	s, err := ParseTLE(issLine1 + "\n" + issLine2)
	if err != nil {
		t.Fatal(err)
	}
	site := Site{Latitude: 30, Longitude: -90}
	a, err := s.Locate(context.Background(), site, issEpoch)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Locate(context.Background(), site, issEpoch.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	mid, err := s.Locate(context.Background(), site, issEpoch.Add(500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if mid.Alt <= math.Min(a.Alt, b.Alt) || mid.Alt >= math.Max(a.Alt, b.Alt) {
		t.Errorf("half-second altitude %v not between %v and %v", mid.Alt, a.Alt, b.Alt)
	}

	e := NewEngine(Config{Site: site, Envelope: Envelope{MinAltitude: -90}})
	v, err := e.Solve(context.Background(), s, issEpoch)
	if err != nil {
		t.Fatal(err)
	}
	if !near(v.RateAlt, b.Alt-a.Alt, 1e-9) {
		t.Errorf("RateAlt = %v, want %v", v.RateAlt, b.Alt-a.Alt)
	}
}
