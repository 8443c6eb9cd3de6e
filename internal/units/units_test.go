package units

import (
	"math"
	"testing"
)

func TestConversions(t *testing.T) {
	for _, test := range []struct {
		unit      Unit
		wire, deg float64
	}{
		{Hours, 1, 15},
		{Hours, 23.5, 352.5},
		{Arcminutes, 30, 0.5},
		{Arcseconds, 3600, 1},
		{ArcsecPerSecond, 15.041, 15.041 / 3600},
		{Degrees, 12.25, 12.25},
		{Steps, 12345, 12345},
	} {
		t.Run(test.unit.String(), func(t *testing.T) {
			if got := test.unit.ToCanonical(test.wire); math.Abs(got-test.deg) > 1e-12 {
				t.Errorf("ToCanonical(%v) = %v, want %v", test.wire, got, test.deg)
			}
			if got := test.unit.FromCanonical(test.deg); math.Abs(got-test.wire) > 1e-9 {
				t.Errorf("FromCanonical(%v) = %v, want %v", test.deg, got, test.wire)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	for _, test := range []struct {
		in, want float64
	}{
		{0, 0},
		{360, 0},
		{-1, 359},
		{725, 5},
		{-720, 0},
		{359.5, 359.5},
	} {
		if got := Normalize(test.in); got != test.want {
			t.Errorf("Normalize(%v) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestDelta(t *testing.T) {
	for _, test := range []struct {
		a, b, want float64
	}{
		{10, 20, 10},
		{350, 10, 20},
		{10, 350, -20},
		{0, 180, 180},
		{180, 0, 180},
	} {
		if got := Delta(test.a, test.b); math.Abs(got-test.want) > 1e-12 {
			t.Errorf("Delta(%v, %v) = %v, want %v", test.a, test.b, got, test.want)
		}
	}
}

func TestTickScale(t *testing.T) {
	s := TickScale(1000)
	if got := s.Ticks(12.3456); got != 12346 {
		t.Errorf("Ticks = %d, want 12346", got)
	}
	if got := s.Degrees(-4500); got != -4.5 {
		t.Errorf("Degrees = %v, want -4.5", got)
	}
}
