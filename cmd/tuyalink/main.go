// Tuyalink - local-network IoT device gateway
//
// Discovers Tuya-protocol devices on the local network, maintains a TCP
// session per device, and fans device events out to MQTT, Kafka, and
// Valkey alongside a small JSON control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tuyalink/api"
	"tuyalink/bridge"
	"tuyalink/config"
	"tuyalink/logging"
	"tuyalink/reactor"
	"tuyalink/scanner"
	"tuyalink/worker"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logDebug    = flag.String("log-debug", "", "Hex-dump debug log path (overrides config log_file)")
	hashPass    = flag.String("hash-password", "", "Print a bcrypt hash for the control API config and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tuyalink %s\n", Version)
		return
	}
	if *hashPass != "" {
		hash, err := api.HashPassword(*hashPass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	sink, cleanup, err := buildSink(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	loop, err := reactor.New(sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reactor: %v\n", err)
		os.Exit(1)
	}
	defer loop.Close()

	registry, err := scanner.New(loop, scanner.Config{
		DiscoveryPort:  cfg.DiscoveryPort,
		DevicePort:     cfg.DevicePort,
		InventoryPath:  cfg.InventoryPath,
		ReconnectDelay: cfg.ReconnectDelay,
		CommandTimeout: cfg.CommandTimeout,
	}, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanner: %v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	observer, stopBridges := startBridges(cfg, sink)
	defer stopBridges()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	facade := worker.New(ctx, loop, worker.Config{
		Observer:    observer,
		DiscoveryFD: registry.DiscoveryFD,
	}, sink)
	if err := facade.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	defer facade.Stop()

	var apiSrv *api.Server
	if cfg.API.Enabled {
		backend := api.NewRegistryBackend(registry, cfg.CommandTimeout)
		apiSrv = api.NewServer(cfg.API, backend, sink)
		go func() {
			if err := apiSrv.Start(); err != nil {
				sink.Log(logging.LevelError, "api", "serve: %v", err)
			}
		}()
	}

	sink.Log(logging.LevelInfo, "main", "tuyalink %s up: discovery :%d, devices :%d", Version, cfg.DiscoveryPort, cfg.DevicePort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	sink.Log(logging.LevelInfo, "main", "shutting down")
	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiSrv.Stop(shutdownCtx)
		shutdownCancel()
	}
}

// buildSink assembles the configured logging sink: a hex-dump file sink
// when a log path is set, else structured output on stderr.
func buildSink(cfg *config.Config) (logging.Sink, func(), error) {
	path := cfg.LogFile
	if *logDebug != "" {
		path = *logDebug
	}
	if path == "" {
		return logging.NewZerologSink(os.Stderr), func() {}, nil
	}
	fs, err := logging.NewFileSink(path, logging.LevelDebug)
	if err != nil {
		return nil, nil, err
	}
	fs.SetFilter(cfg.DebugFilter)
	return fs, func() { fs.Close() }, nil
}

// startBridges constructs and starts every enabled bridge, returning the
// observer the façade should fan events into (nil when none are enabled,
// i.e. a headless deployment) and a stop function.
func startBridges(cfg *config.Config, sink logging.Sink) (worker.Observer, func()) {
	var observers []worker.Observer
	var stops []func()

	for _, mc := range cfg.MQTT {
		if !mc.Enabled {
			continue
		}
		b := bridge.NewMQTT(mc, cfg.Namespace, sink)
		if err := b.Start(); err != nil {
			sink.Log(logging.LevelError, "main", "mqtt bridge %s: %v", mc.Name, err)
			continue
		}
		observers = append(observers, b)
		stops = append(stops, b.Stop)
	}
	for _, kc := range cfg.Kafka {
		if !kc.Enabled {
			continue
		}
		b := bridge.NewKafka(kc, cfg.Namespace, sink)
		if err := b.Start(); err != nil {
			sink.Log(logging.LevelError, "main", "kafka bridge %s: %v", kc.Name, err)
			continue
		}
		observers = append(observers, b)
		stops = append(stops, b.Stop)
	}
	for _, vc := range cfg.Valkey {
		if !vc.Enabled {
			continue
		}
		b := bridge.NewValkey(vc, cfg.Namespace, sink)
		if err := b.Start(); err != nil {
			sink.Log(logging.LevelError, "main", "valkey bridge %s: %v", vc.Name, err)
			continue
		}
		observers = append(observers, b)
		stops = append(stops, func() { b.Stop() })
	}

	stop := func() {
		for _, s := range stops {
			s()
		}
	}
	if len(observers) == 0 {
		return nil, stop
	}
	return bridge.NewFanout(observers...), stop
}
