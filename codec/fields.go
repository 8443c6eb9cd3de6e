package codec

import (
	"math"
	"strconv"
	"strings"

	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
)

type Type int

const (
	Bool Type = iota
	Float
	String
)

// Field describes one typed status value. Numeric fields carry the unit they
// travel in on the wire; Apply always receives the canonical unit.
type Field struct {
	Key      string
	Type     Type
	Unit     units.Unit
	Required bool
	Apply    func(s *device.State, v Value)
}

type Value struct {
	Bool   bool
	Float  float64
	String string
}

// DecodeFields applies every field in table to s from the raw key/value map.
func DecodeFields(s *device.State, table []Field, raw map[string]string) error {
	for _, f := range table {
		in, ok := raw[f.Key]
		if !ok {
			if f.Required {
				return &MissingFieldError{Name: f.Key}
			}
			continue
		}
		v, err := parseValue(f, in)
		if err != nil {
			return err
		}
		f.Apply(s, v)
	}
	return nil
}

func parseValue(f Field, in string) (Value, error) {
	in = strings.TrimSpace(in)
	switch f.Type {
	case Bool:
		b, err := strconv.ParseBool(in)
		if err != nil {
			return Value{}, &InvalidValueError{Name: f.Key, Raw: in}
		}
		return Value{Bool: b}, nil
	case Float:
		x, err := strconv.ParseFloat(in, 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, &InvalidValueError{Name: f.Key, Raw: in}
		}
		return Value{Float: f.Unit.ToCanonical(x)}, nil
	}
	return Value{String: in}, nil
}

// ParseKeyValues splits a body of key=value lines. Lines without '=' are
// skipped; a repeated key keeps its last value.
func ParseKeyValues(body []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		out[strings.TrimSpace(line[:i])] = line[i+1:]
	}
	return out
}

// FormatFloat renders v in unit u with the shortest exact representation.
func FormatFloat(v float64, u units.Unit) string {
	return strconv.FormatFloat(u.FromCanonical(v), 'f', -1, 64)
}
