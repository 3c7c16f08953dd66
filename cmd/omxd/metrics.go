//go:build linux

package main

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serveMetrics starts a /metrics listener in the background. A closed
// listener (on daemon shutdown) ends Serve's goroutine silently.
func serveMetrics(addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Info("prometheus metrics server started", "address", listener.Addr().String())
	go func() {
		if err := http.Serve(listener, mux); err != nil {
			log.Error("prometheus metrics server exited", "error", err)
		}
	}()
}
