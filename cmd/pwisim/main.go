// Command pwisim serves a simulated mount, focuser and rotator over the
// control daemon's HTTP API, for development without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/simulator"
	"github.com/w1xm/pwi_interface/tracking"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	addr        = flag.String("addr", "127.0.0.1:8220", "address to serve the daemon API on")
	focuserAddr = flag.String("focuser_addr", "", "if set, serve the focuser line protocol over TCP on this address")
	latitude    = flag.Float64("latitude", 42.36, "observer latitude in degrees")
	longitude   = flag.Float64("longitude", -71.09, "observer longitude in degrees east")
	elevation   = flag.Float64("elevation", 0, "observer elevation in meters")
	logLevel    = flag.String("log_level", "info", "log level")
)

func main() {
	flag.Parse()
	logger, err := config.LogConfig{Level: *logLevel, Format: "console"}.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	site := tracking.Site{Latitude: *latitude, Longitude: *longitude, Elevation: *elevation}
	sim := simulator.New(site, time.Now(), logger)
	srv := &http.Server{Handler: sim, Addr: *addr}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sim.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	if *focuserAddr != "" {
		ln, err := net.Listen("tcp", *focuserAddr)
		if err != nil {
			logger.Fatal("focuser listen failed", zap.Error(err))
		}
		g.Go(func() error {
			<-gctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			return serveFocuser(gctx, ln, sim, logger)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("simulator failed", zap.Error(err))
	}
}

// serveFocuser bridges each TCP client to its own focuser port.
func serveFocuser(ctx context.Context, ln net.Listener, sim *simulator.Simulator, logger *zap.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("focuser client connected", zap.Stringer("remote", conn.RemoteAddr()))
		port := sim.FocuserPort()
		go pipe(conn, port)
	}
}

func pipe(a, b net.Conn) {
	defer a.Close()
	defer b.Close()
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}
