package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/apex/log"

	"github.com/minilink-dev/minilink/internal/cli"
	"github.com/minilink-dev/minilink/internal/model"
	"github.com/minilink-dev/minilink/internal/runtimex"
	"github.com/minilink-dev/minilink/internal/trace"
	"github.com/minilink-dev/minilink/pkg/config"
	"github.com/minilink-dev/minilink/pkg/link"
)

// typeProbe is the update type carrying the probe payloads.
const typeProbe = model.PacketType(0x01)

type settings struct {
	backend    string
	configPath string
	count      int
	doTrace    bool
	insecure   bool
	interval   int
	lobby      string
	rendezvous string
	server     string
	timeout    int
	verbose    bool
}

func main() {
	cfg := &settings{}
	flag.StringVar(&cfg.configPath, "config", "", "config file to load")
	flag.StringVar(&cfg.server, "server", "", "server to connect to (dtls backend)")
	flag.StringVar(&cfg.backend, "backend", "", "backend to dial: dtls, relay or punch")
	flag.StringVar(&cfg.rendezvous, "rendezvous", "", "rendezvous server URL (relay and punch backends)")
	flag.StringVar(&cfg.lobby, "lobby", "", "lobby to meet the server in")
	flag.IntVar(&cfg.count, "count", 10, "number of probe updates to send")
	flag.IntVar(&cfg.interval, "interval", 200, "milliseconds between probes")
	flag.BoolVar(&cfg.insecure, "insecure", false, "skip server certificate verification")
	flag.BoolVar(&cfg.doTrace, "trace", false, "if true, export a trace of the connection on exit")
	flag.IntVar(&cfg.timeout, "timeout", 60, "timeout in seconds (default=60)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "if true, log at debug level")
	flag.Parse()

	if cfg.configPath == "" && cfg.server == "" && cfg.rendezvous == "" {
		fmt.Println("[error] need one of -config, -server or -rendezvous")
		os.Exit(1)
	}

	log.SetHandler(cli.NewHandler(os.Stderr))
	log.SetLevel(log.InfoLevel)
	if cfg.verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts := []config.Option{
		config.WithLogger(log.Log),
	}
	if cfg.configPath != "" {
		opts = append(opts, config.WithConfigFile(cfg.configPath))
	}
	if cfg.backend != "" {
		opts = append(opts, config.WithBackend(config.Backend(cfg.backend)))
	}
	if cfg.server != "" {
		opts = append(opts, config.WithServerAddress(cfg.server))
	}
	if cfg.insecure {
		opts = append(opts, config.WithInsecureSkipVerify())
	}
	if cfg.rendezvous != "" {
		opts = append(opts, config.WithRendezvous(cfg.rendezvous, cfg.lobby))
	}

	start := time.Now()

	var tracer *trace.Tracer
	if cfg.doTrace {
		tracer = trace.NewTracer(start)
		opts = append(opts, config.WithTracer(tracer))
	}

	linkConfig := config.NewConfig(opts...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.timeout)*time.Second)
	defer cancel()

	peer, err := link.Dial(ctx, linkConfig)
	if err != nil {
		log.WithError(err).Fatal("link.Dial")
	}

	fmt.Printf("connected to %q as client %d, elapsed: %v\n", peer.Name(), peer.ID(), time.Since(start))

	interval := time.Duration(cfg.interval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
loop:
	for sent < cfg.count {
		select {
		case <-ticker.C:
			payload := fmt.Appendf(nil, "probe %d", sent)
			if err := peer.SetData(typeProbe, payload); err != nil {
				log.WithError(err).Fatal("peer.SetData")
			}
			sent++
			stats := peer.RTTStats()
			fmt.Printf("update seq=%d acked=%d avg_rtt=%v tier=%s\n",
				sent, stats.Count, stats.AvgRtt.Round(time.Microsecond), peer.CongestionTier())
		case <-peer.Done():
			log.WithError(peer.Err()).Error("link lost")
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	// give the tail of the probes a chance to be acknowledged
	select {
	case <-time.After(2 * interval):
	case <-peer.Done():
	}

	target := cfg.server
	if target == "" {
		target = peer.Name()
	}
	stats := peer.RTTStats()
	fmt.Println("--- " + target + " link statistics ---")
	fmt.Printf("%d updates sent, %d round trips sampled\n", sent, stats.Count)
	fmt.Printf("rtt min/avg/max/stdev = %v, %v, %v, %v\n",
		stats.MinRtt, stats.AvgRtt, stats.MaxRtt, stats.StdDevRtt)

	if cfg.doTrace {
		fileName := "link-trace.json"
		file, err := os.Create(fileName)
		runtimex.PanicOnError(err, "cannot create the trace file")
		runtimex.PanicOnError(tracer.Export(file), "cannot serialize the trace")
		runtimex.PanicOnError(file.Close(), "cannot close the trace file")
		fmt.Println("trace written to", fileName)
	}

	peer.Close()
}
