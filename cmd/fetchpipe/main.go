package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/fetchpipe/pkg/config"
	"github.com/Sriram-PR/fetchpipe/pkg/downloader"
	"github.com/Sriram-PR/fetchpipe/pkg/media"
	"github.com/Sriram-PR/fetchpipe/pkg/orchestrate"
	fpsignal "github.com/Sriram-PR/fetchpipe/pkg/signal"
	"github.com/Sriram-PR/fetchpipe/pkg/storage"
)

type options struct {
	configFile  string
	logLevel    string
	outFile     string
	pages       bool
	parallel    int
	metricsAddr string
	validate    bool
	urls        []string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	log := setupLogger(opts.logLevel)

	if opts.validate {
		os.Exit(doValidate(opts.configFile, os.Stdout, os.Stderr))
	}
	if len(opts.urls) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one URL is required")
		os.Exit(2)
	}

	appCfg, warnings, err := loadConfig(opts.configFile)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(appCfg, log)

	// ===========================================================
	// == Setup Global Context & Signal Handling ==
	// ===========================================================
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	out := io.Writer(os.Stdout)
	if opts.outFile != "" {
		f, err := os.Create(opts.outFile)
		if err != nil {
			log.Fatalf("Failed to create output file '%s': %v", opts.outFile, err)
		}
		defer f.Close()
		out = f
	}

	if err := run(ctx, appCfg, opts, out, log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Run cancelled gracefully.")
			return
		}
		log.Errorf("Run finished with error: %v", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("fetchpipe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: fetchpipe [options] URL...\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  fetchpipe https://example.com/logo.png https://example.com/banner.gif\n")
		fmt.Fprintf(stderr, "  fetchpipe -pages -config config.yaml https://example.com/docs/\n")
	}

	opts := &options{}
	fs.StringVar(&opts.configFile, "config", "", "Path to YAML config file (empty = built-in defaults)")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&opts.outFile, "out", "", "Write JSON results to this file instead of stdout")
	fs.BoolVar(&opts.pages, "pages", false, "Treat URLs as HTML pages and download their <img> tags")
	fs.IntVar(&opts.parallel, "parallel", orchestrate.DefaultMaxConcurrent, "Max pages processed at once")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Address for the Prometheus /metrics endpoint (empty to disable)")
	fs.BoolVar(&opts.validate, "validate", false, "Validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.urls = fs.Args()
	return opts, nil
}

func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// loadConfig reads path, or validates an empty config when path is "".
func loadConfig(path string) (*config.AppConfig, []string, error) {
	if path == "" {
		cfg := &config.AppConfig{}
		warnings, err := cfg.Validate()
		return cfg, warnings, err
	}
	return config.Load(path)
}

// doValidate checks the configuration and reports warnings. Returns the exit code.
func doValidate(configPath string, stdout, stderr io.Writer) int {
	_, warnings, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	fmt.Fprintln(stdout, "Configuration valid.")
	return 0
}

func run(ctx context.Context, appCfg *config.AppConfig, opts *options, out io.Writer, log *logrus.Logger) error {
	entry := logrus.NewEntry(log)

	var reg prometheus.Registerer
	if appCfg.Middleware.StatsEnabled || opts.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		appCfg.Middleware.StatsEnabled = true
		reg = registry
		if opts.metricsAddr != "" {
			startMetricsServer(ctx, opts.metricsAddr, registry, log)
		}
	}

	signals := fpsignal.NewManager(entry)
	if log.IsLevelEnabled(logrus.DebugLevel) {
		signals.Connect(fpsignal.ResponseDownloaded, "debug_log", func(_ context.Context, ev fpsignal.Event) (fpsignal.Outcome, error) {
			log.Debugf("Downloaded %s (%d, %d bytes)", ev.Response.URL, ev.Response.Status, len(ev.Response.Body))
			return fpsignal.Continue, nil
		})
	}

	dl, err := downloader.FromConfig(appCfg, signals, reg, entry)
	if err != nil {
		return fmt.Errorf("initializing downloader: %w", err)
	}
	defer dl.Close()
	go dl.RunMaintenance(ctx, 5*time.Minute)

	store, err := storage.NewBadgerStore(appCfg.Media.StateDir, entry)
	if err != nil {
		return fmt.Errorf("initializing media store: %w", err)
	}
	defer store.Close()
	go store.RunGC(ctx, 10*time.Minute)

	images, err := media.NewImages(appCfg.Media, store, dl, entry)
	if err != nil {
		return fmt.Errorf("initializing images pipeline: %w", err)
	}

	o, err := orchestrate.New(dl, images, opts.parallel, entry)
	if err != nil {
		return err
	}

	var results []orchestrate.PageResult
	if opts.pages {
		results = o.RunPages(ctx, opts.urls)
	} else {
		results = []orchestrate.PageResult{o.RunImages(ctx, opts.urls)}
	}

	stats := images.Stats()
	log.Infof("Media pipeline: %d downloads, %d cache hits, %d waits", stats.Downloads, stats.CacheHits, stats.Waits)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return ctx.Err()
}

func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Infof("Starting metrics server on: http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed on %s: %v", addr, err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	dl := appCfg.Downloader
	log.Infof("Downloader: PerDomain:%d, Timeout:%v, MaxSize:%d, WarnSize:%d, TLS:%s",
		dl.ConcurrentRequestsPerDomain, dl.DownloadTimeout, dl.DownloadMaxSize, dl.DownloadWarnSize, dl.TLSMethod)
	mw := appCfg.Middleware
	log.Infof("Middleware: Robots:%t, Retry:%t (times %d), Redirect:%t (max %d), Delay:%v",
		mw.RobotsObey, config.GetEffectiveRetryEnabled(mw), mw.RetryTimes,
		config.GetEffectiveRedirectEnabled(mw), mw.RedirectMaxTimes, mw.DownloadDelay)
	m := appCfg.Media
	log.Infof("Media: StoreDir:%s, StateDir:%s, ExpiresDays:%d, AllowRedirects:%t",
		m.StoreDir, m.StateDir, m.ExpiresDays, m.AllowRedirects)
}
