// Command state_logger records the mountd status feed in InfluxDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/device"
	"github.com/w1xm/pwi_interface/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "optional YAML file with a telemetry section; PWI_TELEMETRY_* variables override it")
	mountdURL  = flag.String("url", "ws://localhost:8080/api/ws", "mountd status websocket")
)

func main() {
	flag.Parse()
	c, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := c.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()
	if c.Telemetry.InfluxURL == "" {
		logger.Fatal("telemetry.influx_url is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := telemetry.NewInfluxSink(c.Telemetry, logger)
	defer sink.Close()
	for ctx.Err() == nil {
		if err := logData(ctx, *mountdURL, sink); err != nil && ctx.Err() == nil {
			logger.Warn("status feed lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

func logData(ctx context.Context, url string, sink telemetry.Sink) error {
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		var st device.State
		if err := conn.ReadJSON(&st); err != nil {
			return err
		}
		// Command replies share the socket.
		if st.Kind == "" {
			continue
		}
		if err := sink.Write(st); err != nil {
			return err
		}
	}
}
