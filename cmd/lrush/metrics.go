package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calvinalkan/disklru/pkg/lrumetrics"
)

// metricsServer serves /metrics for one cache until closed.
type metricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// serveMetrics binds addr synchronously so a bad address fails startup,
// then serves in the background.
func serveMetrics(addr string, src lrumetrics.StatsSource, logger *slog.Logger) (*metricsServer, error) {
	reg := prometheus.NewRegistry()

	err := reg.Register(lrumetrics.NewCollector(src, "lrush", nil))
	if err != nil {
		return nil, fmt.Errorf("registering cache metrics: %w", err)
	}

	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("lrush: metrics server stopped", "addr", addr, "err", err)
		}
	}()

	logger.Info("lrush: serving metrics", "addr", ln.Addr().String())

	return &metricsServer{srv: srv, ln: ln}, nil
}

// Addr returns the bound address, useful when addr used port 0.
func (m *metricsServer) Addr() string {
	return m.ln.Addr().String()
}

func (m *metricsServer) Close() error {
	return m.srv.Close()
}
