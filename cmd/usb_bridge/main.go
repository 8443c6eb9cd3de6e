// Command usb_bridge exposes a local Modbus RTU serial port over HTTP so an
// accessory plugged into another host can be driven remotely.
package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/w1xm/pwi_interface/config"
	"github.com/w1xm/pwi_interface/internal/modbus"
	"go.uber.org/zap"
)

var (
	addr     = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	password = flag.String("password", "", "password to require on remote connections")
	port     = flag.String("serial", "", "serial port name")
	baud     = flag.Int("baud", 19200, "baud rate")
	slaveID  = flag.Int("slave_id", 1, "modbus slave id")
	logLevel = flag.String("log_level", "info", "log level")
)

func main() {
	flag.Parse()
	logger, err := config.LogConfig{Level: *logLevel, Format: "console"}.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	handler := modbus.NewRTUHandler(modbus.Config{
		Port:     *port,
		BaudRate: *baud,
		SlaveId:  byte(*slaveID),
		Timeout:  time.Second,
	}, logger)
	if err := handler.Connect(); err != nil {
		logger.Fatal("failed to open serial port", zap.String("port", *port), zap.Error(err))
	}
	defer handler.Close()

	r := mux.NewRouter()
	r.Handle("/api/send", &modbus.BridgeHandler{Handler: handler, Password: *password}).Methods(http.MethodPost)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	logger.Info("listening", zap.String("addr", srv.Addr), zap.String("port", *port))
	logger.Fatal("server exited", zap.Error(srv.ListenAndServe()))
}
