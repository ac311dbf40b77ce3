package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/config"
	"github.com/markus-lassfolk/fleettrack/pkg/geocode"
	"github.com/markus-lassfolk/fleettrack/pkg/gps"
	"github.com/markus-lassfolk/fleettrack/pkg/journal"
	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// Command line flags
var (
	// Journal inspection
	listSessions = flag.Bool("sessions", false, "List recorded tracking sessions")
	showSession  = flag.String("session", "", "Show one session by ID")
	lastSample   = flag.Bool("last-sample", false, "Show the last sample accepted for the subject")
	subjectID    = flag.String("subject", "", "Subject ID (defaults to tracking.subject_id from the config)")
	journalPath  = flag.String("journal", "", "Journal database path (defaults to journal_path from the config)")

	// Live checks against the configured Google services
	getLocation = flag.Bool("get-location", false, "Request one fix from the geolocation source")
	resolve     = flag.Bool("resolve", false, "Reverse geocode the fix from -get-location")

	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv")
	configPath   = flag.String("config", config.DefaultPath, "Path to YAML configuration file")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	timeout      = flag.Duration("timeout", 30*time.Second, "Operation timeout")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "fleettrackctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(*logLevel, "fleettrackctl")

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *journalPath == "" || *getLocation {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg, _ = config.Parse(nil)
	}
	if *journalPath == "" {
		*journalPath = cfg.JournalPath
	}
	if *subjectID == "" {
		*subjectID = cfg.Tracking.SubjectID
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var cmdErr error
	switch {
	case *getLocation:
		cmdErr = handleGetLocation(ctx, cfg, logger, os.Stdout)
	case *showSession != "":
		cmdErr = withJournal(logger, func(j *journal.Journal) error { return handleSession(j, *showSession, os.Stdout) })
	case *lastSample:
		cmdErr = withJournal(logger, func(j *journal.Journal) error { return handleLastSample(j, *subjectID, os.Stdout) })
	case *listSessions:
		cmdErr = withJournal(logger, func(j *journal.Journal) error { return handleSessions(j, *subjectID, os.Stdout) })
	default:
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		os.Exit(1)
	}
}

func withJournal(logger *logx.Logger, fn func(*journal.Journal) error) error {
	j, err := journal.OpenReadOnly(*journalPath, logger)
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(j)
}

func handleSessions(j *journal.Journal, subject string, w io.Writer) error {
	records, err := j.Sessions(subject)
	if err != nil {
		return err
	}

	switch *outputFormat {
	case "json":
		return writeJSON(w, records)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "subject_id", "started_at", "stopped_at", "stop_reason", "reported", "skipped", "fix_failures", "report_failures", "error"})
		for _, r := range records {
			_ = cw.Write([]string{
				r.ID, r.SubjectID, formatTime(r.StartedAt), formatTime(r.StoppedAt), string(r.StopReason),
				strconv.Itoa(r.Reported), strconv.Itoa(r.Skipped), strconv.Itoa(r.FixFailures), strconv.Itoa(r.ReportFailures),
				r.Error,
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		if len(records) == 0 {
			fmt.Fprintln(w, "No sessions recorded")
			return nil
		}
		for _, r := range records {
			status := "open"
			if !r.Open() {
				status = string(r.StopReason)
			}
			fmt.Fprintf(w, "%s  subject=%s  started=%s  status=%s  reported=%d  failures=%d\n",
				r.ID, r.SubjectID, formatTime(r.StartedAt), status, r.Reported, r.ReportFailures)
		}
		return nil
	}
}

func handleSession(j *journal.Journal, id string, w io.Writer) error {
	rec, err := j.Session(id)
	if errors.Is(err, journal.ErrNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}

	if *outputFormat == "json" {
		return writeJSON(w, rec)
	}
	fmt.Fprintf(w, "Session:         %s\n", rec.ID)
	fmt.Fprintf(w, "Subject:         %s\n", rec.SubjectID)
	fmt.Fprintf(w, "Started:         %s\n", formatTime(rec.StartedAt))
	fmt.Fprintf(w, "Stopped:         %s\n", formatTime(rec.StoppedAt))
	fmt.Fprintf(w, "Stop reason:     %s\n", rec.StopReason)
	fmt.Fprintf(w, "Reported:        %d\n", rec.Reported)
	fmt.Fprintf(w, "Skipped:         %d\n", rec.Skipped)
	fmt.Fprintf(w, "Fix failures:    %d\n", rec.FixFailures)
	fmt.Fprintf(w, "Report failures: %d\n", rec.ReportFailures)
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:           %s\n", rec.Error)
	}
	return nil
}

func handleLastSample(j *journal.Journal, subject string, w io.Writer) error {
	if subject == "" {
		return errors.New("no subject given; use -subject")
	}
	rec, err := j.LastSample(subject)
	if errors.Is(err, journal.ErrNotFound) {
		return fmt.Errorf("no sample reported for subject %s", subject)
	}
	if err != nil {
		return err
	}

	if *outputFormat == "json" {
		return writeJSON(w, rec)
	}
	s := rec.Sample
	fmt.Fprintf(w, "Subject:  %s (session %s)\n", rec.SubjectID, rec.SessionID)
	fmt.Fprintf(w, "Position: %.6f, %.6f (±%.0f m)\n", s.Latitude, s.Longitude, s.Accuracy)
	if s.Address != "" {
		fmt.Fprintf(w, "Address:  %s\n", s.Address)
	}
	fmt.Fprintf(w, "Captured: %s\n", formatTime(s.CapturedAt))
	fmt.Fprintf(w, "Reported: %s\n", formatTime(rec.ReportedAt))
	fmt.Fprintf(w, "Map:      %s\n", mapsLink(s.Latitude, s.Longitude))
	return nil
}

func handleGetLocation(ctx context.Context, cfg *config.Config, logger *logx.Logger, w io.Writer) error {
	source, err := gps.NewGoogleSource(cfg.GoogleSourceConfig(), logger)
	if err != nil {
		return err
	}
	if !source.RequestPermission(ctx) {
		return errors.New("google geolocation is disabled in the configuration")
	}

	fix, err := source.CurrentFix(ctx, cfg.Tracking.MinAccuracyMeters)
	if err != nil {
		return err
	}

	address := ""
	if *resolve {
		geocoder, err := geocode.NewGoogleGeocoder(cfg.GeocoderConfig(), logger)
		if err != nil {
			return err
		}
		if address, err = geocoder.Resolve(ctx, fix.Latitude, fix.Longitude); err != nil {
			return err
		}
	}

	accepted := tracking.PassesAccuracyGate(*fix, cfg.Tracking.MinAccuracyMeters)
	if *outputFormat == "json" {
		return writeJSON(w, map[string]interface{}{
			"latitude":  fix.Latitude,
			"longitude": fix.Longitude,
			"accuracy":  fix.Accuracy,
			"address":   address,
			"accepted":  accepted,
		})
	}
	fmt.Fprintf(w, "Position: %.6f, %.6f (±%.0f m)\n", fix.Latitude, fix.Longitude, fix.Accuracy)
	fmt.Fprintf(w, "Accepted: %t (limit %.0f m)\n", accepted, cfg.Tracking.MinAccuracyMeters)
	if address != "" {
		fmt.Fprintf(w, "Address:  %s\n", address)
	}
	fmt.Fprintf(w, "Map:      %s\n", mapsLink(fix.Latitude, fix.Longitude))
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func mapsLink(lat, lng float64) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f", lat, lng)
}
