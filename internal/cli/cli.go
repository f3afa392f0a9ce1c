// Package cli implements the sensor's command-line surface: record,
// demo, analyze and check, dispatched the way the teacher's own
// cmd/server/main.go dispatches its login/server modes, but through
// stdlib flag.NewFlagSet subcommands instead of a flat flag set since
// these four modes are mutually exclusive operations, not combinable
// switches.
package cli

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
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/capture"
	"github.com/oisp-project/oisp-sensor/internal/capture/demo"
	"github.com/oisp-project/oisp-sensor/internal/config"
	"github.com/oisp-project/oisp-sensor/internal/decode"
	"github.com/oisp-project/oisp-sensor/internal/enrich"
	"github.com/oisp-project/oisp-sensor/internal/enrich/trace"
	"github.com/oisp-project/oisp-sensor/internal/export"
	"github.com/oisp-project/oisp-sensor/internal/health"
	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/oisperr"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
	"github.com/oisp-project/oisp-sensor/internal/redact"
	"github.com/oisp-project/oisp-sensor/internal/specbundle"
	"github.com/oisp-project/oisp-sensor/internal/tlsca"
)

// Exit codes, matching the CLI's documented contract.
const (
	ExitSuccess    = 0
	ExitConfig     = 1
	ExitCapability = 2
	ExitRuntime    = 3
)

// Run dispatches args[0] (the subcommand) and returns the process exit
// code. args does not include the program name.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: oisp-sensor <record|demo|analyze|check> [flags]")
		return ExitConfig
	}

	switch args[0] {
	case "record":
		return runRecord(args[1:], stdout, stderr)
	case "demo":
		return runDemo(args[1:], stdout, stderr)
	case "analyze":
		return runAnalyze(args[1:], stdout, stderr)
	case "check":
		return runCheck(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return ExitConfig
	}
}

func localHost() oisp.Host {
	hostname, _ := os.Hostname()
	return oisp.Host{Hostname: hostname, OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func pidFilter(pids []int) map[int]struct{} {
	if len(pids) == 0 {
		return nil
	}
	out := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		out[pid] = struct{}{}
	}
	return out
}

// buildExportPlugins constructs one export sink per non-nil section of
// cfg.Export and returns them both as pipeline plugins (for the Export
// stage) and as health.StatSink (for the /healthz exporter list). It also
// returns the broadcast sink itself, or nil if it is not enabled, so the
// caller can mount its Handler() at /ws.
func buildExportPlugins(cfg config.ExportConfig) ([]pipeline.Plugin, []health.StatSink, *export.BroadcastSink, error) {
	var plugins []pipeline.Plugin
	var sinks []health.StatSink

	if cfg.File != nil {
		sink := export.NewFileSink(cfg.File.Path, cfg.File.MaxSizeMB, cfg.File.MaxBackups, cfg.File.Fsync, log.StandardLogger())
		plugins = append(plugins, sink)
		sinks = append(sinks, sink)
	}

	var broadcastSink *export.BroadcastSink
	if cfg.Broadcast != nil {
		broadcastSink = export.NewBroadcastSink(log.StandardLogger())
		plugins = append(plugins, broadcastSink)
		sinks = append(sinks, broadcastSink)
	}

	if cfg.OTLP != nil {
		sink, err := export.NewOTLPSink(export.OTLPOptions{
			Endpoint:      cfg.OTLP.Endpoint,
			Insecure:      cfg.OTLP.Insecure,
			URLPath:       cfg.OTLP.URLPath,
			BatchSize:     cfg.OTLP.BatchSize,
			MaxBuffered:   cfg.OTLP.MaxBuffered,
			FlushInterval: cfg.OTLP.FlushInterval(),
			MaxAttempts:   cfg.OTLP.MaxAttempts,
		}, log.StandardLogger())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("export: build otlp sink: %w", err)
		}
		plugins = append(plugins, sink)
		sinks = append(sinks, sink)
	}

	if cfg.Kafka != nil {
		sink, err := export.NewKafkaSink(export.KafkaOptions{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			BatchSize:     cfg.Kafka.BatchSize,
			MaxBuffered:   cfg.Kafka.MaxBuffered,
			FlushInterval: cfg.Kafka.FlushInterval(),
			MaxAttempts:   cfg.Kafka.MaxAttempts,
		}, log.StandardLogger())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("export: build kafka sink: %w", err)
		}
		plugins = append(plugins, sink)
		sinks = append(sinks, sink)
	}

	if cfg.Webhook != nil {
		sink, err := export.NewWebhookSink(export.WebhookOptions{
			URL:           cfg.Webhook.URL,
			Headers:       cfg.Webhook.Headers,
			Timeout:       cfg.Webhook.Timeout(),
			BatchSize:     cfg.Webhook.BatchSize,
			MaxBuffered:   cfg.Webhook.MaxBuffered,
			FlushInterval: cfg.Webhook.FlushInterval(),
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}, log.StandardLogger())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("export: build webhook sink: %w", err)
		}
		plugins = append(plugins, sink)
		sinks = append(sinks, sink)
	}

	if cfg.Archive != nil {
		sink, err := export.NewArchiveSink(export.ArchiveOptions{
			Endpoint:    cfg.Archive.Endpoint,
			Bucket:      cfg.Archive.Bucket,
			AccessKey:   cfg.Archive.AccessKey,
			SecretKey:   cfg.Archive.SecretKey,
			Region:      cfg.Archive.Region,
			Prefix:      cfg.Archive.Prefix,
			UseSSL:      cfg.Archive.UseSSL,
			PathStyle:   cfg.Archive.PathStyle,
			WatchDir:    cfg.Archive.WatchDir,
			DeleteLocal: cfg.Archive.DeleteLocal,
		}, log.StandardLogger())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("export: build archive sink: %w", err)
		}
		plugins = append(plugins, sink)
		sinks = append(sinks, sink)
	}

	return plugins, sinks, broadcastSink, nil
}

// buildBundle constructs and starts the spec bundle store shared by the
// decoder, redactor and (on Windows/macOS) the MITM domain filter.
func buildBundle(ctx context.Context, cfg config.SpecBundleConfig) (*specbundle.Store, error) {
	bundle, err := specbundle.NewStore(specbundle.Options{
		RemoteURL:       cfg.RemoteURL,
		RefreshInterval: cfg.RefreshInterval(),
		FetchTimeout:    cfg.FetchTimeout(),
		CacheDir:        cfg.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("spec bundle: %w", err)
	}
	if err := bundle.Start(ctx); err != nil {
		return nil, fmt.Errorf("spec bundle: start: %w", err)
	}
	return bundle, nil
}

// runtimeOptions assembles the shared pipeline wiring (decode options,
// enrich/act/export plugins) common to record and demo.
func runtimeOptions(cfg *config.Config, bundle *specbundle.Store, adapterName string, adapters []capture.Adapter, exportPlugins []pipeline.Plugin) pipeline.Options {
	host := localHost()
	return pipeline.Options{
		Adapters: adapters,
		AdapterOptions: capture.Options{
			LibraryPaths:    cfg.Capture.LibraryPaths,
			Filter:          capture.ProcessFilter{PIDs: pidFilter(cfg.Capture.FilterPIDs), Comms: cfg.Capture.FilterComms},
			SSLPayloadCap:   cfg.Capture.SSLPayloadCapBytes,
			WatchdogTimeout: cfg.Capture.WatchdogTimeout(),
		},
		Bundle: bundle,
		DecoderOptions: decode.Options{
			Host:               host,
			AdapterName:        adapterName,
			ReassemblyCapBytes: cfg.Decode.ReassemblyCapBytes,
			StreamingTimeout:   cfg.Decode.StreamingTimeout(),
			RetainRawBody:      cfg.Decode.RetainRawBody,
			Log:                log.StandardLogger(),
		},
		DecodeShards:  cfg.Pipeline.DecodeWorkers,
		ChannelDepth:  cfg.Pipeline.ChannelDepth,
		EnrichPlugins: []pipeline.Plugin{enrich.NewProcessEnricher(), trace.NewBuilder()},
		ActPlugins:    []pipeline.Plugin{redact.New(bundle)},
		ExportPlugins: exportPlugins,
		Log:           log.StandardLogger(),
	}
}

func runRecord(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "oisp-sensor.yaml", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundle, err := buildBundle(ctx, cfg.SpecBundle)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntime
	}
	defer bundle.Stop()

	var ca *tlsca.CA
	if cfg.CA.CertDir != "" {
		ca, err = tlsca.New(tlsca.NewKeyStore(), cfg.CA.CertDir)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return ExitRuntime
		}
	}

	adapter, err := defaultAdapter(ca, bundle)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitForAdapterError(err)
	}

	exportPlugins, sinks, broadcastSink, err := buildExportPlugins(cfg.Export)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}

	opts := runtimeOptions(cfg, bundle, adapter.Name(), []capture.Adapter{adapter}, exportPlugins)
	rt := pipeline.New(opts)
	if err := rt.Start(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return exitForAdapterError(err)
	}

	var broadcastHandler http.Handler
	if broadcastSink != nil {
		broadcastHandler = broadcastSink.Handler()
	}
	healthSrv := health.NewServer(cfg.Health.ListenAddr, rt, sinks, broadcastHandler)
	healthSrv.Start()

	<-ctx.Done()
	log.Info("cli: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	if err := rt.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntime
	}
	return ExitSuccess
}

func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "oisp-sensor.yaml", "configuration file path")
	interval := fs.Duration("interval", demo.DefaultInterval, "interval between synthetic request/response pairs")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundle, err := buildBundle(ctx, cfg.SpecBundle)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntime
	}
	defer bundle.Stop()

	adapter := demo.New(*interval)

	exportPlugins, sinks, broadcastSink, err := buildExportPlugins(cfg.Export)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}

	opts := runtimeOptions(cfg, bundle, adapter.Name(), []capture.Adapter{adapter}, exportPlugins)
	rt := pipeline.New(opts)
	if err := rt.Start(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntime
	}

	var broadcastHandler http.Handler
	if broadcastSink != nil {
		broadcastHandler = broadcastSink.Handler()
	}
	healthSrv := health.NewServer(cfg.Health.ListenAddr, rt, sinks, broadcastHandler)
	healthSrv.Start()

	fmt.Fprintln(stdout, "cli: demo running, generating synthetic traffic. ctrl-c to stop.")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	if err := rt.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntime
	}
	return ExitSuccess
}

// runAnalyze replays a JSONL file (the file sink's own output format)
// through the enrich and act stages for offline inspection. It
// deliberately skips capture and decode: the events in the file are
// already decoded, and re-running them through process/trace enrichment
// plus redaction is enough to validate a bundle change or a redaction
// rule offline, without needing a live capture session.
func runAnalyze(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "oisp-sensor.yaml", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: oisp-sensor analyze [-config path] <file.jsonl>")
		return ExitConfig
	}
	path := fs.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bundle, err := buildBundle(ctx, cfg.SpecBundle)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntime
	}
	defer bundle.Stop()

	plugins := []pipeline.Plugin{enrich.NewProcessEnricher(), trace.NewBuilder(), redact.New(bundle)}
	for _, p := range plugins {
		if err := p.Init(ctx); err != nil {
			fmt.Fprintln(stderr, err)
			return ExitRuntime
		}
	}
	defer func() {
		for _, p := range plugins {
			_ = p.Shutdown(ctx)
		}
	}()

	enc := json.NewEncoder(stdout)
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev oisp.Event
		if err := dec.Decode(&ev); err != nil {
			fmt.Fprintln(stderr, err)
			return ExitRuntime
		}
		cur := &ev
		for _, p := range plugins {
			cur, err = p.Process(ctx, cur)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return ExitRuntime
			}
			if cur == nil {
				break
			}
		}
		if cur == nil {
			continue
		}
		if err := enc.Encode(cur); err != nil {
			fmt.Fprintln(stderr, err)
			return ExitRuntime
		}
	}
	return ExitSuccess
}

// runCheck attempts a short attach/detach cycle of the platform capture
// adapter and reports READY or NOT READY, matching the documented
// self-test contract. A capability failure exits 2; any other startup
// failure exits 3.
func runCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "oisp-sensor.yaml", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bundle, err := buildBundle(ctx, cfg.SpecBundle)
	if err != nil {
		fmt.Fprintln(stdout, "NOT READY:", err)
		return ExitRuntime
	}
	defer bundle.Stop()

	var ca *tlsca.CA
	if cfg.CA.CertDir != "" {
		ca, err = tlsca.New(tlsca.NewKeyStore(), cfg.CA.CertDir)
		if err != nil {
			fmt.Fprintln(stdout, "NOT READY:", err)
			return ExitRuntime
		}
	}

	adapter, err := defaultAdapter(ca, bundle)
	if err != nil {
		fmt.Fprintln(stdout, "NOT READY:", err)
		return exitForAdapterError(err)
	}

	sink := make(chan capture.RawCaptureEvent, 16)
	if err := adapter.Start(ctx, sink, capture.Options{
		LibraryPaths:    cfg.Capture.LibraryPaths,
		Filter:          capture.ProcessFilter{PIDs: pidFilter(cfg.Capture.FilterPIDs), Comms: cfg.Capture.FilterComms},
		SSLPayloadCap:   cfg.Capture.SSLPayloadCapBytes,
		WatchdogTimeout: cfg.Capture.WatchdogTimeout(),
	}); err != nil {
		fmt.Fprintln(stdout, "NOT READY:", err)
		return exitForAdapterError(err)
	}
	_ = adapter.Stop(ctx)

	fmt.Fprintln(stdout, "READY")
	return ExitSuccess
}

// exitForAdapterError maps a capability-classified error to exit code 2,
// everything else to exit code 3.
func exitForAdapterError(err error) int {
	var oe *oisperr.Error
	if errors.As(err, &oe) && oe.Kind == oisperr.KindCapability {
		return ExitCapability
	}
	return ExitRuntime
}
