package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/api"
	"github.com/markus-lassfolk/fleettrack/pkg/config"
	"github.com/markus-lassfolk/fleettrack/pkg/geocode"
	"github.com/markus-lassfolk/fleettrack/pkg/gps"
	"github.com/markus-lassfolk/fleettrack/pkg/journal"
	"github.com/markus-lassfolk/fleettrack/pkg/lifecycle"
	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/metrics"
	"github.com/markus-lassfolk/fleettrack/pkg/mqtt"
	"github.com/markus-lassfolk/fleettrack/pkg/natsreport"
	"github.com/markus-lassfolk/fleettrack/pkg/pidfile"
	"github.com/markus-lassfolk/fleettrack/pkg/telem"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

var (
	configPath = flag.String("config", config.DefaultPath, "Path to YAML configuration file")
	pidPath    = flag.String("pid-file", "/tmp/fleettrackd.pid", "Path to PID file")
	healthPath = flag.String("health-file", "/tmp/fleettrackd.health", "Path to heartbeat file (empty disables)")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "fleettrackd"
	AppVersion = "1.0.0"
)

// Exit codes
const (
	exitOK             = 0
	exitError          = 1
	exitTrackingHalted = 2
)

// HeartbeatData is written to the health file every 10 seconds
type HeartbeatData struct {
	Timestamp  string             `json:"ts"`
	UptimeS    int64              `json:"uptime_s"`
	Version    string             `json:"version"`
	Status     string             `json:"status"`
	Session    *tracking.Snapshot `json:"session,omitempty"`
	MemMB      float64            `json:"mem_mb"`
	Goroutines int                `json:"goroutines"`
	DeviceID   string             `json:"device_id"`
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return exitOK
	}

	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, "fleettrackd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		return exitError
	}
	if *logLevel == "" {
		logger.SetLevel(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err, "path", *configPath)
		return exitError
	}
	if cfg.LogFilePath != "" {
		if err := logger.EnableFileOutput(cfg.LogFilePath, cfg.LogMaxAgeDays); err != nil {
			logger.Error("Failed to enable file logging", "error", err, "path", cfg.LogFilePath)
			return exitError
		}
	}

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		return exitError
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			return exitError
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			return exitError
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		return exitError
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting fleettrack daemon", "version", AppVersion, "pid", os.Getpid(), "reporter", cfg.Reporter)

	sessionJournal, err := journal.Open(cfg.JournalPath, logger.With("component", "journal"))
	if err != nil {
		logger.Error("Failed to open session journal", "error", err, "path", cfg.JournalPath)
		return exitError
	}
	defer sessionJournal.Close()

	if _, err := sessionJournal.CloseInterrupted(time.Now()); err != nil {
		logger.Warn("Failed to close interrupted sessions", "error", err)
	}
	if last, err := sessionJournal.LastSample(cfg.Tracking.SubjectID); err == nil {
		logger.Info("Last reported position",
			"subject_id", last.SubjectID,
			"latitude", last.Sample.Latitude,
			"longitude", last.Sample.Longitude,
			"reported_at", last.ReportedAt.Format(time.RFC3339))
	}

	collector := metrics.NewCollector()
	history, err := telem.NewStore(cfg.StatusAPI.RetentionHours, cfg.StatusAPI.MaxEvents, cfg.StatusAPI.TrailSize)
	if err != nil {
		logger.Error("Failed to create telemetry store", "error", err)
		return exitError
	}
	history.SetEventCallback(func(rec *telem.EventRecord) {
		logger.LogDebugVerbose("tracking_event", map[string]interface{}{
			"type":       rec.Type,
			"session_id": rec.SessionID,
			"subject_id": rec.SubjectID,
		})
	})
	observers := []tracking.Observer{sessionJournal, collector, history}

	source, geocoder, err := buildLocationStack(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize location services", "error", err)
		return exitError
	}

	var reporter tracking.TelemetryReporter
	switch cfg.Reporter {
	case config.ReporterNATS:
		natsReporter, err := natsreport.Connect(cfg.NATSConfig(), logger.With("component", "nats"))
		if err != nil {
			logger.Error("Failed to connect NATS reporter", "error", err)
			return exitError
		}
		defer natsReporter.Close()
		reporter = natsReporter
	default:
		mqttClient := mqtt.NewClient(cfg.MQTTConfig(), logger.With("component", "mqtt"))
		if err := mqttClient.Connect(); err != nil {
			logger.Error("Failed to connect MQTT reporter", "error", err)
			return exitError
		}
		defer mqttClient.Disconnect()
		reporter = mqttClient
		observers = append(observers, mqttClient)
	}

	monitor := lifecycle.NewMonitor(tracking.AppForeground)
	scheduler, err := tracking.NewScheduler(source, reporter, tracking.Options{
		Geocoder:  geocoder,
		Lifecycle: monitor,
		Observers: observers,
		Logger:    logger.With("component", "tracking"),
	})
	if err != nil {
		logger.Error("Failed to create tracking scheduler", "error", err)
		return exitError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runCleanup(ctx, history, logger)

	if cfg.StatusAPI.Listen != "" {
		apiServer := api.NewServer(cfg.APIConfig(), api.Deps{
			Sessions:  scheduler,
			Sources:   source,
			Telemetry: history,
			Lifecycle: monitor,
			Metrics:   collector.Handler(),
			Version:   AppVersion,
		}, logger.With("component", "api"))
		if err := apiServer.Start(); err != nil {
			logger.Error("Failed to start status API server", "error", err, "listen", cfg.StatusAPI.Listen)
			return exitError
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = apiServer.Stop(stopCtx)
		}()
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	session, err := scheduler.Start(startCtx, cfg.TrackingConfig())
	cancelStart()
	if err != nil {
		logger.Error("Failed to start tracking", "error", err, "subject_id", cfg.Tracking.SubjectID)
		return exitError
	}
	defer scheduler.Stop()

	if *healthPath != "" {
		go writeHeartbeat(ctx, *healthPath, time.Now(), scheduler, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-session.Done():
			// let the stop events reach the journal before it closes
			session.Wait()
			if errors.Is(session.Err(), tracking.ErrTooManyFailures) {
				logger.Error("Tracking halted, backend unreachable", "error", session.Err())
				return exitTrackingHalted
			}
			logger.Info("Tracking session ended")
			return exitOK

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				monitor.Set(tracking.AppBackground)
			case syscall.SIGUSR2:
				monitor.Set(tracking.AppForeground)
			case syscall.SIGHUP:
				reloadLogLevel(logger)
			default:
				logger.Info("Received shutdown signal", "signal", sig.String())
				scheduler.Stop()
				session.Wait()
				return exitOK
			}
		}
	}
}

// buildLocationStack wires the geolocation source and the optional reverse geocoder
func buildLocationStack(cfg *config.Config, logger *logx.Logger) (*gps.PrioritySource, tracking.ReverseGeocoder, error) {
	gpsLogger := logger.With("component", "gps")
	google, err := gps.NewGoogleSource(cfg.GoogleSourceConfig(), gpsLogger)
	if err != nil {
		return nil, nil, err
	}
	source := gps.NewPrioritySource(gpsLogger, google)

	if !cfg.Google.GeocodingEnabled {
		return source, nil, nil
	}
	googleGeocoder, err := geocode.NewGoogleGeocoder(cfg.GeocoderConfig(), logger.With("component", "geocode"))
	if err != nil {
		return nil, nil, err
	}
	return source, geocode.NewCachingGeocoder(googleGeocoder, cfg.GeocodeCacheTTL(), cfg.Google.GeocodeCacheSize), nil
}

// runCleanup drops expired history every 10 minutes
func runCleanup(ctx context.Context, history *telem.Store, logger *logx.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := history.Cleanup(now); removed > 0 {
				logger.Debug("Expired tracking history removed", "items", removed)
			}
		}
	}
}

func reloadLogLevel(logger *logx.Logger) {
	if *logLevel != "" {
		return
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("Failed to reload configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Info("Log level reloaded", "level", logger.Level())
}

// writeHeartbeat writes heartbeat data to path every 10 seconds
func writeHeartbeat(ctx context.Context, path string, startTime time.Time, scheduler *tracking.Scheduler, logger *logx.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Heartbeat writer stopped")
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			heartbeat := HeartbeatData{
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
				UptimeS:    int64(time.Since(startTime).Seconds()),
				Version:    AppVersion,
				Status:     "idle",
				MemMB:      float64(memStats.Alloc) / 1024 / 1024,
				Goroutines: runtime.NumGoroutine(),
				DeviceID:   getDeviceID(),
			}
			if sess := scheduler.Current(); sess != nil {
				snap := sess.Snapshot()
				heartbeat.Session = &snap
				heartbeat.Status = "tracking"
				if snap.ConsecutiveFailures > 0 {
					heartbeat.Status = "degraded"
				}
			}

			if err := writeFileAtomic(path, heartbeat); err != nil {
				logger.Error("Failed to write heartbeat file", "error", err, "file", path)
				continue
			}
			logger.Debug("Heartbeat written", "file", path, "status", heartbeat.Status, "uptime_s", heartbeat.UptimeS)
		}
	}
}

func writeFileAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat data: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "fleettrackd-heartbeat-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func getDeviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "fleettrack-device"
}
