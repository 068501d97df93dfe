// Command proxyd runs the caching forward proxy: a TCP listener
// dispatching sessions onto a shared Runtime, plus a small Prometheus
// metrics endpoint on its own internal listener.
package main

import (
	"log"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycache/proxy/internal/applog"
	"github.com/relaycache/proxy/internal/config"
	"github.com/relaycache/proxy/internal/proxy"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file (%v), using system environment variables", err)
	}

	cfg := config.Load()

	logger, err := applog.Open(cfg.LogPath)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Close()

	if cfg.LokiConfig != "" {
		lokiCfg, lerr := applog.LoadLokiConfig(cfg.LokiConfig)
		if lerr != nil {
			log.Printf("Warning: could not load loki config (%v), push disabled", lerr)
		} else {
			logger.EnableLoki(lokiCfg)
		}
	}

	rt := proxy.NewRuntime(cfg.Workers, cfg.CacheCap, logger, cfg.DialTimeout)

	ln, err := proxy.Listen(cfg.ListenAddr, rt, logger)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("proxy listening on %s, workers=%d, cache_capacity=%d, log=%s",
		cfg.ListenAddr, cfg.Workers, cfg.CacheCap, cfg.LogPath)

	go func() {
		rt.WaitForSignal()
		ln.Close()
	}()

	ln.Run()
}
