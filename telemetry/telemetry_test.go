package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/w1xm/pwi_interface/device"
	"go.uber.org/zap/zaptest"
)

var mount = device.State{
	Device:    "mount",
	Kind:      device.KindMount,
	Connected: true,
	Enabled:   true,
	RA:        83.6,
	Dec:       22.01,
	Az:        120.5,
	Alt:       41.25,
	Mode:      device.ModeTracking,
	Tracking:  true,
	Version:   "4.1.5",
	Timestamp: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
}

type pointRecorder struct {
	points []*write.Point
}

func (r *pointRecorder) WritePoint(p *write.Point) {
	r.points = append(r.points, p)
}

func TestFieldsOf(t *testing.T) {
	got, err := fieldsOf(mount)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"connected": true,
		"enabled":   true,
		"ra":        83.6,
		"dec":       22.01,
		"az":        120.5,
		"alt":       41.25,
		"mode":      "tracking",
		"moving":    false,
		"tracking":  true,
		"version":   "4.1.5",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("unexpected fields: got(-)/want(+):\n%s", diff)
	}
}

func TestFlattenStatus(t *testing.T) {
	fields := make(map[string]interface{})
	flattenStatus(fields, map[string]interface{}{
		"axis": []interface{}{
			map[string]interface{}{"pos": 1.5},
			map[string]interface{}{"pos": 2.5},
		},
		"ok": true,
	}, "")
	want := map[string]interface{}{"axis.0.pos": 1.5, "axis.1.pos": 2.5, "ok": true}
	if diff := cmp.Diff(fields, want); diff != "" {
		t.Errorf("unexpected fields: got(-)/want(+):\n%s", diff)
	}
}

func TestInfluxSink(t *testing.T) {
	var r pointRecorder
	s := NewInfluxSinkWriter(&r, zaptest.NewLogger(t))
	if err := s.Write(mount); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if len(r.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(r.points))
	}
	p := r.points[0]
	if p.Name() != Measurement {
		t.Errorf("measurement = %q, want %q", p.Name(), Measurement)
	}
	if !p.Time().Equal(mount.Timestamp) {
		t.Errorf("time = %v, want %v", p.Time(), mount.Timestamp)
	}
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if diff := cmp.Diff(tags, map[string]string{"device": "mount", "kind": "mount"}); diff != "" {
		t.Errorf("unexpected tags: got(-)/want(+):\n%s", diff)
	}
}

type message struct {
	Subject string
	State   device.State
}

type fakeConn struct {
	messages []message
	err      error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	var st device.State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	c.messages = append(c.messages, message{subj, st})
	return nil
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "pwi.status")
	focuser := device.State{Device: "main focuser", Kind: device.KindFocuser, Connected: true, Position: 1200}
	for _, st := range []device.State{mount, focuser} {
		if err := p.Publish(st); err != nil {
			t.Fatal(err)
		}
	}
	want := []message{
		{"pwi.status.mount", mount},
		{"pwi.status.main_focuser", focuser},
	}
	if diff := cmp.Diff(conn.messages, want); diff != "" {
		t.Errorf("unexpected messages: got(-)/want(+):\n%s", diff)
	}

	conn.err = errors.New("nats: connection closed")
	if err := p.Publish(mount); !errors.Is(err, conn.err) {
		t.Errorf("Publish = %v, want %v", err, conn.err)
	}
}

type sinkFunc func(device.State) error

func (f sinkFunc) Write(st device.State) error { return f(st) }

func TestRun(t *testing.T) {
	states := make(chan device.State, 3)
	states <- mount
	states <- device.State{Device: "rotator", Kind: device.KindRotator}
	close(states)

	var got []string
	record := sinkFunc(func(st device.State) error {
		got = append(got, st.Device)
		return nil
	})
	broken := sinkFunc(func(device.State) error { return errors.New("unavailable") })
	if err := Run(context.Background(), states, zaptest.NewLogger(t), broken, record); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, []string{"mount", "rotator"}); diff != "" {
		t.Errorf("unexpected writes: got(-)/want(+):\n%s", diff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Run(ctx, make(chan device.State), zaptest.NewLogger(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run after cancel = %v, want %v", err, context.Canceled)
	}
}
