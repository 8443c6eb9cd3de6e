// Package telemetry ships device snapshots to InfluxDB and NATS.
package telemetry

import (
	"encoding/json"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/device"
	"go.uber.org/zap"
)

const Measurement = "device.status"

// PointWriter is the part of the InfluxDB write API the sink uses.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// InfluxSink writes one point per snapshot.
type InfluxSink struct {
	writer PointWriter
	logger *zap.Logger
	close  func()
}

// NewInfluxSink connects to the server named in c. Writes are batched and
// asynchronous; write errors are logged.
func NewInfluxSink(c config.TelemetryConfig, logger *zap.Logger) *InfluxSink {
	client := influxdb2.NewClient(c.InfluxURL, c.InfluxToken)
	writeApi := client.WriteApi(c.InfluxOrg, c.InfluxBucket)
	s := NewInfluxSinkWriter(writeApi, logger)
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			s.logger.Warn("influx write error", zap.Error(err))
		}
	}()
	s.close = func() {
		writeApi.Flush()
		writeApi.Close()
		client.Close()
	}
	return s
}

func NewInfluxSinkWriter(w PointWriter, logger *zap.Logger) *InfluxSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InfluxSink{writer: w, logger: logger}
}

func (s *InfluxSink) Write(st device.State) error {
	fields, err := fieldsOf(st)
	if err != nil {
		return err
	}
	tags := map[string]string{
		"device": st.Device,
		"kind":   string(st.Kind),
	}
	s.writer.WritePoint(influxdb2.NewPoint(Measurement, tags, fields, st.Timestamp))
	return nil
}

// Close flushes pending points.
func (s *InfluxSink) Close() {
	if s.close != nil {
		s.close()
	}
}

// fieldsOf flattens the JSON form of st. Identity and time are carried by
// the point's tags and timestamp instead.
func fieldsOf(st device.State) (map[string]interface{}, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding %s status: %w", st.Device, err)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(b, &status); err != nil {
		return nil, err
	}
	delete(status, "device")
	delete(status, "kind")
	delete(status, "timestamp")
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	return fields, nil
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		if prefix != "" {
			fields[prefix[1:]] = status
		}
	}
}
