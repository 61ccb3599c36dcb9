// Command tcpreplay feeds the TCP connections of a packet capture through
// the segment engine, modelling the side that accepted each connection,
// and reports how the engine classified every segment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/irctrakz/tcpin/pkg/config"
	"github.com/irctrakz/tcpin/pkg/core"
	"github.com/irctrakz/tcpin/pkg/logging"
	"github.com/irctrakz/tcpin/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "configuration file (yaml or json)")
	capture := flag.String("r", "", "pcap or pcapng capture to replay")
	workers := flag.Int("workers", 0, "flows replayed concurrently (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics and /health on this address (overrides config)")
	promOut := flag.String("prom", "", "write the final counters in Prometheus text format to this file")
	dropOut := flag.String("w", "", "write the segments the engine discarded to this pcap file")
	flag.Parse()

	if *capture == "" {
		fmt.Fprintln(os.Stderr, "usage: tcpreplay -r capture.pcap [-config file] [-workers n] [-metrics-addr addr] [-prom file] [-w drops.pcap]")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Fatalf("config: %v", err)
	}
	if *workers > 0 {
		cfg.Replay.Workers = *workers
	}
	if *metricsAddr != "" {
		cfg.Replay.MetricsAddr = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &core.Stats{}
	coll := metrics.NewCollector(stats)
	reg := metrics.NewRegistry(coll)
	if cfg.Replay.MetricsAddr != "" {
		srv := serveMetrics(cfg.Replay.MetricsAddr, reg)
		defer srv.Close()
	}

	var drops *dropWriter
	if *dropOut != "" {
		if drops, err = newDropWriter(*dropOut); err != nil {
			logging.Fatalf("drop capture: %v", err)
		}
	}

	sum, err := replay(ctx, *capture, cfg, stats, drops, coll)
	if err != nil {
		logging.Fatalf("replay: %v", err)
	}
	if n, err := drops.Close(); err != nil {
		logging.Errorf("drop capture: %v", err)
	} else if drops != nil {
		logging.Infof("wrote %d discarded segments to %s", n, *dropOut)
	}
	if *promOut != "" {
		if err := writeProm(*promOut, reg); err != nil {
			logging.Errorf("write %s: %v", *promOut, err)
		}
	}

	// Keep serving the final counters until told to stop.
	if cfg.Replay.MetricsAddr != "" && ctx.Err() == nil {
		logging.Infof("replay done, serving metrics on %s", cfg.Replay.MetricsAddr)
		<-ctx.Done()
	}
	if len(sum.Violations) > 0 {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	// Debug logging toggle via DEBUG env
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	if dval == "1" || dval == "true" || dval == "yes" || dval == "on" {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// replay reads the capture, replays every flow and reports the outcome.
func replay(ctx context.Context, path string, cfg *config.Config, stats *core.Stats, drops *dropWriter, coll *metrics.Collector) (summary, error) {
	flows, cs, err := readCapture(path)
	if err != nil {
		return summary{}, err
	}
	logging.Infof("capture %s: %d packets, %d TCP flows", path, cs.Packets, len(flows))

	var done atomic.Int64
	rep := &reporter{stats: stats, total: len(flows), done: &done, format: cfg.Replay.ReportFormat}
	rctx, cancel := context.WithCancel(ctx)
	go rep.run(rctx, time.Duration(cfg.Replay.ReportIntervalMs)*time.Millisecond)

	start := time.Now()
	reports, err := replayFlows(ctx, flows, cfg.Engine.TCP(), stats, drops, cfg.Replay.Workers, &done)
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return summary{}, err
	}
	logging.Infof("replayed %d flows in %s", done.Load(), time.Since(start).Round(time.Millisecond))

	sum := summarize(cs, reports, stats)
	report(sum, cfg.Replay.ReportFormat, coll)
	return sum, nil
}

func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}

func writeProm(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metrics.Write(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
