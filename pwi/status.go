package pwi

import (
	"github.com/w1xm/pwi_interface/codec"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/internal/units"
)

var versionField = codec.Field{
	Key: "pwi4.version", Type: codec.String,
	Apply: func(s *device.State, v codec.Value) { s.Version = v.String },
}

func faultField(key string) codec.Field {
	return codec.Field{
		Key: key, Type: codec.String,
		Apply: func(s *device.State, v codec.Value) { s.Fault = device.Fault(v.String) },
	}
}

var statusTables = map[device.Kind][]codec.Field{
	device.KindMount: {
		{Key: "mount.is_connected", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Connected = v.Bool; s.Enabled = v.Bool }},
		{Key: "mount.ra_apparent_hours", Type: codec.Float, Unit: units.Hours, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.RA = units.Normalize(v.Float) }},
		{Key: "mount.dec_apparent_degs", Type: codec.Float, Unit: units.Degrees, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Dec = v.Float }},
		{Key: "mount.azimuth_degs", Type: codec.Float, Unit: units.Degrees, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Az = units.Normalize(v.Float) }},
		{Key: "mount.altitude_degs", Type: codec.Float, Unit: units.Degrees, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Alt = v.Float }},
		{Key: "mount.is_slewing", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Moving = v.Bool }},
		{Key: "mount.is_tracking", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Tracking = v.Bool }},
		// Both axes must be energized for the mount to count as enabled.
		{Key: "mount.axis0.is_enabled", Type: codec.Bool,
			Apply: func(s *device.State, v codec.Value) { s.Enabled = s.Enabled && v.Bool }},
		{Key: "mount.axis1.is_enabled", Type: codec.Bool,
			Apply: func(s *device.State, v codec.Value) { s.Enabled = s.Enabled && v.Bool }},
		{Key: "mount.is_parked", Type: codec.Bool,
			Apply: func(s *device.State, v codec.Value) {
				if v.Bool {
					s.Mode = device.ModeParked
				}
			}},
		faultField("mount.error"),
		versionField,
	},
	device.KindFocuser: {
		{Key: "focuser.is_connected", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Connected = v.Bool }},
		{Key: "focuser.is_enabled", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Enabled = v.Bool }},
		{Key: "focuser.position", Type: codec.Float, Unit: units.Steps, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Position = v.Float }},
		{Key: "focuser.is_moving", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Moving = v.Bool }},
		faultField("focuser.error"),
		versionField,
	},
	device.KindRotator: {
		{Key: "rotator.is_connected", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Connected = v.Bool }},
		{Key: "rotator.is_enabled", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Enabled = v.Bool }},
		{Key: "rotator.field_angle_degs", Type: codec.Float, Unit: units.Degrees, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Position = units.Normalize(v.Float) }},
		{Key: "rotator.is_moving", Type: codec.Bool, Required: true,
			Apply: func(s *device.State, v codec.Value) { s.Moving = v.Bool }},
		faultField("rotator.error"),
		versionField,
	},
}
