// Device-context agent - pushes inventory and scan data to the custom
// device-context ingestion API.
//
// Puppet fact export:
//
//	devicecontext-agent -source puppet -client-id ID -secret-key KEY -file facts.json
//
// Rapid7 InsightVM report, downloaded from the console:
//
//	devicecontext-agent -source rapid7 -client-id ID -secret-key KEY \
//	    -username insight -pwd secret -report-id 42 -instance latest -host console.local
//
// Every run is one transaction: start, push batches of 10 records, close.
// The process exits 0 once the run completes, whatever the API answered.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exploopio/devicecontext/pkg/audit"
	"github.com/exploopio/devicecontext/pkg/client"
	"github.com/exploopio/devicecontext/pkg/core"
	"github.com/exploopio/devicecontext/pkg/metrics"
	"github.com/exploopio/devicecontext/pkg/pipeline"
	"github.com/exploopio/devicecontext/pkg/sources/puppet"
	"github.com/exploopio/devicecontext/pkg/sources/rapid7"
)

const (
	appName    = "devicecontext-agent"
	appVersion = "1.0.0"

	envClientID  = "WOOTCLOUD_CLIENT_ID"
	envSecretKey = "WOOTCLOUD_SECRET_KEY"
)

var errVersion = errors.New("version requested")

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if errors.Is(err, errVersion) {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, os.Stdout))
}

// parseArgs builds the configuration from defaults, the optional YAML file,
// flags that were set explicitly and finally the environment.
func parseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	source := fs.String("source", "", "Source integration: puppet or rapid7")
	clientID := fs.String("client-id", "", "Client id (or "+envClientID+" env)")
	secretKey := fs.String("secret-key", "", "Secret key (or "+envSecretKey+" env)")
	file := fs.String("file", "", "Puppet fact file, or local Rapid7 CSV report")

	username := fs.String("username", "", "Rapid7 InsightVM username")
	pwd := fs.String("pwd", "", "Rapid7 InsightVM password")
	reportID := fs.String("report-id", "", "Rapid7 report id")
	instance := fs.String("instance", "", "Rapid7 report instance (e.g. latest)")
	host := fs.String("host", "", "Rapid7 InsightVM console host")
	port := fs.Int("port", rapid7.DefaultPort, "Rapid7 InsightVM console port")
	insecure := fs.Bool("insecure", false, "Skip TLS verification for the InsightVM console")

	apiURL := fs.String("api-url", "", "Ingestion API endpoint")
	timeout := fs.Duration("timeout", 0, "Per-call timeout for API requests (e.g. 30s)")
	compression := fs.String("compress", "", "Request compression: none, zstd or gzip")
	rps := fs.Float64("rps", 0, "Maximum API requests per second (0 = unlimited)")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text or json")
	auditLog := fs.String("audit-log", "", "Append a JSON-lines audit trail to this file")
	metricsFile := fs.String("metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	showVersion := fs.Bool("version", false, "Show version")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		return nil, errVersion
	}

	cfg := defaultConfig()
	if *configPath != "" {
		if err := loadConfig(*configPath, cfg); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	str := func(name string, dst *string, v string) {
		if set[name] {
			*dst = v
		}
	}

	str("source", &cfg.Source, *source)
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	str("client-id", &cfg.API.ClientID, *clientID)
	str("secret-key", &cfg.API.SecretKey, *secretKey)
	str("api-url", &cfg.API.URL, *apiURL)
	str("compress", &cfg.API.Compression, *compression)
	str("username", &cfg.Rapid7.Username, *username)
	str("pwd", &cfg.Rapid7.Password, *pwd)
	str("report-id", &cfg.Rapid7.ReportID, *reportID)
	str("instance", &cfg.Rapid7.Instance, *instance)
	str("host", &cfg.Rapid7.Host, *host)
	str("log-level", &cfg.Log.Level, *logLevel)
	str("log-format", &cfg.Log.Format, *logFormat)
	str("audit-log", &cfg.AuditLog, *auditLog)
	str("metrics-file", &cfg.MetricsFile, *metricsFile)

	if set["port"] {
		cfg.Rapid7.Port = *port
	}
	if set["insecure"] {
		cfg.Rapid7.Insecure = *insecure
	}
	if set["timeout"] {
		cfg.API.Timeout = *timeout
	}
	if set["rps"] {
		cfg.API.RequestsPerSecond = *rps
	}
	if set["file"] {
		if cfg.Source == rapid7.SourceName {
			cfg.Rapid7.File = *file
		} else {
			cfg.Puppet.File = *file
		}
	}

	cfg.API.ClientID = getEnvOrFlag(cfg.API.ClientID, envClientID)
	cfg.API.SecretKey = getEnvOrFlag(cfg.API.SecretKey, envSecretKey)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run executes one ingestion and returns the process exit code.
func run(ctx context.Context, cfg *Config, out io.Writer) int {
	logger, err := core.NewZerologLogger(core.ZerologConfig{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: appName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	core.SetDefaultLogger(logger)

	var auditLog *audit.Logger
	if cfg.AuditLog != "" {
		auditLog, err = audit.NewLogger(&audit.LoggerConfig{LogFile: cfg.AuditLog})
		if err != nil {
			logger.Error("open audit log: %v", err)
			return 1
		}
		defer auditLog.Close()
	}

	var collector metrics.Collector = &metrics.NopCollector{}
	if cfg.MetricsFile != "" {
		prom, err := metrics.NewPrometheusCollector(nil)
		if err != nil {
			logger.Error("create metrics collector: %v", err)
			return 1
		}
		collector = prom
		defer func() {
			if err := prom.WriteTextfile(cfg.MetricsFile); err != nil {
				logger.Warn("write metrics textfile: %v", err)
			}
		}()
	}

	clientCfg := cfg.clientConfig()
	clientCfg.Logger = logger
	api, err := client.New(clientCfg)
	if err != nil {
		logger.Error("create client: %v", err)
		return 1
	}

	src, err := buildSource(cfg, logger)
	if err != nil {
		logger.Error("configure %s source: %v", cfg.Source, err)
		return 1
	}

	p, err := pipeline.New(&pipeline.Config{
		Client:    api,
		Source:    cfg.Source,
		BatchSize: cfg.BatchSize,
		Logger:    logger,
		Metrics:   collector,
		Audit:     auditLog,
	})
	if err != nil {
		logger.Error("create pipeline: %v", err)
		return 1
	}

	sum, err := p.RunSource(ctx, src)
	if sum != nil {
		printSummary(out, sum)
	}
	if err != nil {
		logger.Error("run failed: %v", err)
		return 1
	}
	return 0
}

func buildSource(cfg *Config, logger core.Logger) (pipeline.Source, error) {
	switch cfg.Source {
	case puppet.SourceName:
		return puppet.NewFileSource(cfg.Puppet.File), nil
	case rapid7.SourceName:
		src := &rapid7.Source{
			File:     cfg.Rapid7.File,
			ReportID: cfg.Rapid7.ReportID,
			Instance: cfg.Rapid7.Instance,
			Options: rapid7.Options{
				ReportID:  cfg.Rapid7.Label,
				Timestamp: cfg.Rapid7.Timestamp,
			},
		}
		if src.File == "" {
			d, err := rapid7.NewDownloader(rapid7.DownloaderConfig{
				Host:     cfg.Rapid7.Host,
				Port:     cfg.Rapid7.Port,
				Username: cfg.Rapid7.Username,
				Password: cfg.Rapid7.Password,
				Insecure: cfg.Rapid7.Insecure,
				Timeout:  2 * time.Minute,
				Logger:   logger,
			})
			if err != nil {
				return nil, err
			}
			src.Downloader = d
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func printSummary(w io.Writer, sum *pipeline.Summary) {
	fmt.Fprintf(w, "\n=== %s ===\n", sum.Source)
	fmt.Fprintf(w, "  Run:         %s\n", sum.RunID)
	if !sum.Started {
		fmt.Fprintf(w, "  Transaction: not started (%s)\n", sum.Start)
		return
	}
	fmt.Fprintf(w, "  Transaction: %s\n", sum.TransactionID)
	fmt.Fprintf(w, "  Records:     %d in %d batches\n", sum.Records, len(sum.Batches))
	for _, b := range sum.Batches {
		fmt.Fprintf(w, "    [%d] %d records: %s\n", b.Index, b.Size, b.Outcome)
	}
	fmt.Fprintf(w, "  Accepted:    %d\n", sum.Accepted())
	fmt.Fprintf(w, "  Rejected:    %d\n", sum.Rejected())
	fmt.Fprintf(w, "  Unclassified: %d\n", sum.Unclassified())
	if sum.Close != nil {
		fmt.Fprintf(w, "  Close:       %s\n", sum.Close)
	}
}
