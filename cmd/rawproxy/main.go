// Command rawproxy runs the pipelining HTTP/1.1 reverse proxy.
//
// Usage:
//
//	rawproxy [-host 127.0.0.1] [-port 9000] [-debug] <backend-list.json>
//
// The backend list file is a JSON object with a "backend_servers" array of
// {"ip": ..., "port": ...} records; list order dictates round-robin order.
// Exits 0 on a clean shutdown signal, non-zero on config or bind failure.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	rawproxy "github.com/WhileEndless/go-rawproxy"
	"github.com/WhileEndless/go-rawproxy/pkg/constants"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rawproxy", flag.ExitOnError)
	host := fs.String("host", constants.DefaultListenHost, "listener address")
	port := fs.Int("port", constants.DefaultListenPort, "listener port")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: rawproxy [flags] <backend-list.json>\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	configPath := fs.Arg(0)

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rawproxy: %v\n", err)
		return 1
	}
	defer logger.Sync()

	backends, err := rawproxy.LoadBackends(configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return 1
	}

	srv, err := rawproxy.NewServer(rawproxy.Config{
		Host:     *host,
		Port:     *port,
		Backends: backends,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("start-up failed", zap.Error(err))
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("signal received", zap.String("signal", s.String()))
		srv.Shutdown()
	}()

	if err := srv.Run(); err != nil {
		logger.Error("proxy exited with error", zap.Error(err))
		return 1
	}

	st := srv.Stats()
	logger.Info("proxy stopped",
		zap.Uint64("accepted_clients", st.AcceptedClients),
		zap.Uint64("forwarded_requests", st.ForwardedRequests),
		zap.Uint64("delivered_responses", st.DeliveredResponses))
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
