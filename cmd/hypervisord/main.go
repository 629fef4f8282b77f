// SPDX-License-Identifier: LGPL-3.0-or-later

// Command hypervisord runs the Distributed Job Runtime: it watches a
// jobs directory for JobDocuments, validates and dispatches them to
// the registered Echo/Inspect/Profile/BatchInspect/Migrate handlers,
// and persists results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"guestkit/blockdev"
	"guestkit/cache"
	"guestkit/config"
	"guestkit/handlers"
	"guestkit/jobproto"
	"guestkit/logger"
	"guestkit/worker"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", "", "reserved for a future API server; currently unused")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	versionFlag := flag.Bool("version", false, "Show version and exit")
	flag.Parse()
	_ = addr

	if *versionFlag {
		fmt.Printf("hypervisord version %s\n", version)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.FromFile(*configFile)
		if err != nil {
			pterm.Error.Printfln("failed to load config file: %v", err)
			os.Exit(1)
		}
		cfg = cfg.MergeWithEnv()
		pterm.Info.Printfln("loaded configuration from: %s", *configFile)
	} else {
		cfg = config.FromEnvironment()
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	showBanner()
	log := logger.NewWithConfig(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	pterm.Info.Printfln("starting hypervisord v%s", version)

	for _, dir := range []string{cfg.JobsDir, cfg.ResultsDir, cfg.CacheDir, cfg.SessionRootDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			pterm.Error.Printfln("failed to create %s: %v", dir, err)
			os.Exit(1)
		}
	}

	pterm.Info.Println("detecting block-provider adapters...")
	detector := blockdev.NewDetector()
	detectCtx, detectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	detector.Detect(detectCtx)
	detectCancel()
	showCapabilities(detector)

	provider := blockdev.NewProvider(detector)

	imageCache, err := cache.Open(cfg.CacheDir)
	if err != nil {
		pterm.Error.Printfln("failed to open cache: %v", err)
		os.Exit(1)
	}

	transport, err := worker.NewTransport(cfg.JobsDir, log)
	if err != nil {
		pterm.Error.Printfln("failed to start job transport: %v", err)
		os.Exit(1)
	}
	defer transport.Close()

	results, err := worker.OpenResultStore(cfg.ResultsDir, cfg.ResultsDir+"/.idempotency.db")
	if err != nil {
		pterm.Error.Printfln("failed to open result store: %v", err)
		os.Exit(1)
	}
	defer results.Close()

	tracing, err := worker.NewTracingProvider(worker.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		pterm.Error.Printfln("failed to start tracing provider: %v", err)
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	registry := worker.NewHandlerRegistry()
	registerHandlers(registry, provider, cfg.SessionRootDir, imageCache, log)

	advertised := []string{"guestkit.inspect", "guestkit.profile", "guestkit.batch_inspect", "guestkit.migrate", "system.echo"}
	executor := worker.NewExecutor(transport, registry, results, tracing, hostWorkerID(), advertised)
	executor.DefaultTimeout = cfg.DefaultTimeout

	pterm.Success.Println("daemon started successfully")
	showEndpoints(cfg)

	runCtx, runCancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		executor.RunConcurrent(runCtx, cfg.WorkerPoolSize)
		close(runDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	pterm.Warning.Printfln("received signal: %v", sig)
	pterm.Info.Println("shutting down gracefully...")

	runCancel()
	executor.Shutdown(30 * time.Second)
	<-runDone

	if errs := provider.DetachAll(context.Background()); len(errs) > 0 {
		pterm.Warning.Printfln("detach-all reported %d error(s) during shutdown", len(errs))
	}

	pterm.Success.Println("daemon stopped gracefully")
}

func registerHandlers(registry *worker.HandlerRegistry, provider *blockdev.Provider, sessionRoot string, imageCache *cache.Cache, log logger.Logger) {
	echo := handlers.NewEchoHandler()
	inspect := handlers.NewInspectHandler(provider, sessionRoot).WithCache(imageCache)
	profile := handlers.NewProfileHandler(provider, sessionRoot)
	batchInspect := handlers.NewBatchInspectHandler(provider, sessionRoot).WithCache(imageCache)
	migrate := handlers.NewMigrateHandler(provider, sessionRoot)

	for _, h := range []handlers.Handler{echo, inspect, profile, batchInspect, migrate} {
		for _, op := range h.Operations() {
			bound := h
			registry.Register(op, func(ctx context.Context, doc *jobproto.JobDocument) (*jobproto.JobResult, error) {
				report := func(phase, detail string) {
					log.Info("job progress", "job_id", doc.JobID, "operation", doc.Operation, "phase", phase, "detail", detail)
				}
				return bound.Execute(ctx, report, doc)
			})
		}
	}
}

func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker-unknown"
	}
	return host + "-" + fmt.Sprintf("%d", os.Getpid())
}

func showBanner() {
	pterm.DefaultCenter.Println()
	orange := pterm.NewStyle(pterm.FgLightRed)
	amber := pterm.NewStyle(pterm.FgYellow)
	bigText, _ := pterm.DefaultBigText.WithLetters(
		pterm.NewLettersFromStringWithStyle("GUEST", orange),
		pterm.NewLettersFromStringWithStyle("KIT", amber),
	).Srender()
	pterm.DefaultCenter.Println(bigText)
	pterm.Println(pterm.DefaultCenter.Sprint(pterm.LightYellow("Offline VM-Disk Inspection Worker")))
	pterm.Println()
}

func showCapabilities(detector *blockdev.Detector) {
	capData := [][]string{{"Adapter", "Available", "Path"}}
	for _, kind := range []blockdev.AdapterKind{blockdev.AdapterLoop, blockdev.AdapterNBD} {
		if c, ok := detector.Capability(kind); ok {
			available := "no"
			if c.Available {
				available = "yes"
			}
			capData = append(capData, []string{string(kind), available, c.Path})
		}
	}
	pterm.DefaultSection.Println("Block Provider Adapters")
	pterm.DefaultTable.WithHasHeader().WithHeaderRowSeparator("-").WithBoxed().WithData(capData).Render()
}

func showEndpoints(cfg *config.Config) {
	pterm.DefaultSection.Println("Job Transport")
	data := [][]string{
		{"Directory", "Purpose"},
		{cfg.JobsDir, "drop JobDocuments here"},
		{cfg.JobsDir + "/in-flight", "jobs currently executing"},
		{cfg.JobsDir + "/done", "completed jobs"},
		{cfg.JobsDir + "/failed", "failed/invalid jobs"},
		{cfg.ResultsDir, "<job_id>-result.json artifacts"},
	}
	pterm.DefaultTable.WithHasHeader().WithHeaderRowSeparator("-").WithBoxed().WithData(data).Render()
}
