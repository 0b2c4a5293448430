package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"sitepulse/internal/core/config"
	"sitepulse/internal/data/history"
	"sitepulse/internal/shared/version"
)

var (
	configPath  = flag.String("config", "./sitepulse.toml", "Path to config file")
	record      = flag.String("record", "", "Record an audit score snapshot for a domain")
	scores      = flag.String("scores", "", "Category scores for -record, e.g. performance=88,seo=92")
	historyFor  = flag.String("history", "", "Print score history for a domain")
	since       = flag.Duration("since", 0, "Limit -history/-trend to the trailing duration")
	trendFor    = flag.String("trend", "", "Print a trend report for a domain")
	window      = flag.Duration("window", 24*time.Hour, "Moving-average window for -trend")
	sessionsFor = flag.String("sessions", "", "Print crawl sessions for a domain")
	startCrawl  = flag.String("start-crawl", "", "Start a crawl session for a domain")
	setStatus   = flag.String("set-status", "", "Update a crawl session, format: <session-id>=<status>")
	prune       = flag.Bool("prune", false, "Run one retention sweep and exit")
	ui          = flag.Bool("ui", false, "Enable terminal dashboard mode")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sitepulse v%s\n", version.Version)
		os.Exit(0)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	output := os.Stdout
	if *ui {
		// In UI mode, avoid stdout logs corrupting the TUI.
		logPath := resolveLogPath()
		if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create log dir for %s: %v\n", logPath, err)
		} else {
			if fi, err := os.Lstat(logPath); err == nil && (fi.Mode()&os.ModeSymlink) != 0 {
				fmt.Fprintf(os.Stderr, "warning: refusing to write logs to symlink path %s\n", logPath)
			} else {
				f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
				if err == nil {
					defer f.Close()
					output = f
				} else {
					fmt.Fprintf(os.Stderr, "warning: failed to open log file %s: %v\n", logPath, err)
				}
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) && *configPath == "./sitepulse.toml" {
			// No config file is fine for one-shot commands; run on defaults.
			cfg = config.DefaultConfig()
		} else {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.Close(ctx)

	if err := run(ctx, app); err != nil {
		slog.Error("command failed", "error", err)
		app.Close(ctx)
		os.Exit(1)
	}
}

func run(ctx context.Context, app *App) error {
	switch {
	case *record != "":
		return runRecord(ctx, app)
	case *historyFor != "":
		return runHistory(ctx, app)
	case *trendFor != "":
		return runTrend(ctx, app)
	case *sessionsFor != "":
		return runSessions(ctx, app)
	case *startCrawl != "":
		sess, err := app.History.StartCrawlSession(ctx, *startCrawl)
		if err != nil {
			return err
		}
		fmt.Printf("started crawl session %s for %s\n", sess.ID, sess.Domain)
		return nil
	case *setStatus != "":
		return runSetStatus(ctx, app)
	case *prune:
		return runPrune(ctx, app)
	case *ui:
		return runDashboard(ctx, app)
	default:
		return runSummary(ctx, app)
	}
}

func runRecord(ctx context.Context, app *App) error {
	parsed, err := parseScores(*scores)
	if err != nil {
		return err
	}
	rec, err := app.History.RecordScore(ctx, *record, parsed, nil)
	if err != nil {
		return err
	}
	fmt.Printf("recorded %s at %s (%s)\n", rec.Domain, rec.Timestamp.Format(time.RFC3339), rec.ID)
	return nil
}

func runHistory(ctx context.Context, app *App) error {
	from := time.Time{}
	if *since > 0 {
		from = time.Now().Add(-*since)
	}
	records, err := app.History.HistoryFor(ctx, *historyFor, from, time.Time{})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no score history for %s\n", *historyFor)
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %s\n", rec.Timestamp.Format(time.RFC3339), formatScores(rec.Scores))
	}
	return nil
}

func runTrend(ctx context.Context, app *App) error {
	from := time.Time{}
	if *since > 0 {
		from = time.Now().Add(-*since)
	}
	records, err := app.History.HistoryFor(ctx, *trendFor, from, time.Time{})
	if err != nil {
		return err
	}
	report, err := history.BuildTrendReport(*trendFor, records, *window)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d audit runs, %s .. %s\n", report.Domain, report.AuditRuns,
		report.Since.Format(time.RFC3339), report.Until.Format(time.RFC3339))
	for _, p := range report.Points {
		fmt.Printf("%s  %s  delta %s\n",
			p.Timestamp.Format(time.RFC3339), formatScores(p.Scores), formatScores(p.Delta))
	}
	return nil
}

func runSessions(ctx context.Context, app *App) error {
	sessions, err := app.History.SessionsFor(ctx, *sessionsFor)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Printf("no crawl sessions for %s\n", *sessionsFor)
		return nil
	}
	for _, sess := range sessions {
		fmt.Printf("%s  %-9s  %s\n", sess.Timestamp.Format(time.RFC3339), sess.Status, sess.ID)
	}
	return nil
}

func runSetStatus(ctx context.Context, app *App) error {
	id, status, ok := strings.Cut(*setStatus, "=")
	if !ok {
		return fmt.Errorf("-set-status expects <session-id>=<status>")
	}
	sess, err := app.History.UpdateCrawlStatus(ctx, id, history.Status(status), nil)
	if err != nil {
		return err
	}
	fmt.Printf("session %s is now %s\n", sess.ID, sess.Status)
	return nil
}

func runPrune(ctx context.Context, app *App) error {
	pruned, err := app.Sweeper().SweepScores(ctx)
	if err != nil {
		return err
	}
	removed, failed, err := app.Sweeper().SweepSessions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d score records, removed %d sessions, failed %d stale sessions\n", pruned, removed, failed)
	return nil
}

func runSummary(ctx context.Context, app *App) error {
	domains := app.TrackedDomains()
	if len(domains) == 0 {
		fmt.Println("no domains configured; use -record or add domains to the config file")
		return nil
	}
	for _, domain := range domains {
		rec, err := app.History.LatestFor(ctx, domain)
		if err != nil {
			fmt.Printf("%-30s  (no history)\n", domain)
			continue
		}
		fmt.Printf("%-30s  %s  %s\n", domain, rec.Timestamp.Format(time.RFC3339), formatScores(rec.Scores))
	}
	return nil
}

func parseScores(raw string) (map[string]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("-scores is required with -record, e.g. performance=88,seo=92")
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("bad score entry %q, expected category=value", pair)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("bad score value %q: %w", value, err)
		}
		out[strings.TrimSpace(key)] = v
	}
	return out, nil
}

func formatScores(scores map[string]float64) string {
	categories := make([]string, 0, len(scores))
	for c := range scores {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	parts := make([]string, 0, len(categories))
	for _, c := range categories {
		parts = append(parts, fmt.Sprintf("%s=%.0f", c, scores[c]))
	}
	return strings.Join(parts, " ")
}

func resolveLogPath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "sitepulse", "sitepulse.log")
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "sitepulse", "sitepulse.log")
	}

	return "sitepulse.log"
}
