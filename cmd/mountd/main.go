// Command mountd opens every configured device and serves them over REST,
// a websocket status feed and the rotctld protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/internal/metrics"
	"github.com/w1xm/pwi_interface/session"
	"github.com/w1xm/pwi_interface/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "mountd.yaml", "path to the YAML configuration file")
	openTimeout = flag.Duration("open_timeout", time.Minute, "time allowed to connect to every device")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, c, logger); err != nil {
		logger.Fatal("mountd failed", zap.Error(err))
	}
}

func run(ctx context.Context, c *config.Config, logger *zap.Logger) error {
	m, err := metrics.New(nil)
	if err != nil {
		return err
	}

	openCtx, cancel := context.WithTimeout(ctx, *openTimeout)
	devices, err := session.OpenAll(openCtx, c, session.Deps{Logger: logger, Metrics: m})
	cancel()
	if err != nil {
		return err
	}

	var sinks []telemetry.Sink
	if t := c.Telemetry; t.InfluxURL != "" {
		influx := telemetry.NewInfluxSink(t, logger)
		defer influx.Close()
		sinks = append(sinks, influx)
	}
	if t := c.Telemetry; t.NATSURL != "" {
		pub, err := telemetry.ConnectNATS(t.NATSURL, t.NATSSubject, logger)
		if err != nil {
			devices.Close(context.Background())
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	s := NewServer(devices, m, logger)
	srv := &http.Server{
		Handler:     s.Router(),
		Addr:        c.Server.HTTPAddr,
		ReadTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(sinks) > 0 {
		g.Go(func() error {
			err := telemetry.Run(gctx, devices.Snapshots(gctx), logger, sinks...)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if c.Server.RotctldAddr != "" {
		addr, err := s.ListenRotctld(gctx, c.Server.RotctldAddr)
		if err != nil {
			devices.Close(context.Background())
			return fmt.Errorf("rotctld: %w", err)
		}
		logger.Info("rotctld listening", zap.Stringer("addr", addr))
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), devices.Close(shutdownCtx))
	})
	return g.Wait()
}
