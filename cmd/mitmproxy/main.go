// Command mitmproxy is the standalone MITM proxy core: it boots the
// certificate authority, the proxy engine, and a small metrics endpoint,
// then serves until terminated.
//
// This binary is the bare engine only — no desktop shell, no IPC
// bridge, no UI. An embedder that wants those wires CertStore,
// CertMinter, TrafficStore, EventBus, and ProxyEngine together itself;
// this command is the reference wiring for running the core standalone.
//
// Usage:
//
//	./mitmproxy
//
//	# Custom bind address/port
//	PROXY_HOST=127.0.0.1 PROXY_PORT=9999 ./mitmproxy
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mitmcore/internal/certminter"
	"mitmcore/internal/certstore"
	"mitmcore/internal/config"
	"mitmcore/internal/eventbus"
	"mitmcore/internal/metrics"
	"mitmcore/internal/proxyengine"
	"mitmcore/internal/trafficstore"
)

func main() {
	cfg := config.Load()

	ca, err := certstore.New(cfg.DataDir).Load()
	if err != nil {
		log.Fatalf("[MITMPROXY] Fatal: loading root CA: %v", err)
	}
	m := metrics.New()
	minter := certminter.New(ca, cfg.LeafCacheCapacity, m)

	dbPath := cfg.TrafficDBFile
	if cfg.DataDir != "" {
		dbPath = cfg.DataDir + string(os.PathSeparator) + "data" + string(os.PathSeparator) + cfg.TrafficDBFile
	}
	if err := os.MkdirAll(dirOf(dbPath), 0700); err != nil {
		log.Fatalf("[MITMPROXY] Fatal: creating data directory: %v", err)
	}
	store, err := trafficstore.Open(dbPath)
	if err != nil {
		log.Fatalf("[MITMPROXY] Fatal: opening traffic store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[MITMPROXY] traffic store close error: %v", err)
		}
	}()

	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(m))
	metricsSrv := startMetricsServer(cfg, reg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("[MITMPROXY] metrics server shutdown error: %v", err)
		}
	}()

	engine := proxyengine.New(cfg, minter, store, bus, m)
	result, err := engine.Start()
	if err != nil {
		log.Fatalf("[MITMPROXY] Fatal: %v", err)
	}

	printBanner(cfg, result)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[MITMPROXY] Shutting down…")
	if err := engine.Stop(); err != nil {
		log.Printf("[MITMPROXY] Shutdown error: %v", err)
	}
}

// startMetricsServer exposes the Prometheus registry on the configured
// proxy port plus one, independent of the proxy engine's own listener.
func startMetricsServer(cfg *config.Config, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port+1),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[MITMPROXY] metrics server error: %v", err)
		}
	}()
	return srv
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return "."
}

func printBanner(cfg *config.Config, result proxyengine.StartResult) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║               MITM Proxy Core  (Go)                  ║
╚══════════════════════════════════════════════════════╝
  Listening       : %s
  HTTPS intercept : %v
  Data directory  : %s
  Traffic store   : %s
  Cert download   : %s
  Metrics         : http://%s:%d/metrics

  Point clients here:
    export HTTP_PROXY=http://%s
    export HTTPS_PROXY=http://%s
`, result.Addr, cfg.EnableHTTPS, cfg.DataDir, cfg.TrafficDBFile, result.CertDownloadURL,
		cfg.Host, cfg.Port+1,
		result.Addr, result.Addr)
}
