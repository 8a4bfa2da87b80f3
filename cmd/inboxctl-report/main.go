package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/rate"
	"github.com/rparke/inboxctl/internal/report"
	"github.com/rparke/inboxctl/internal/runtime"
)

type reportConfig struct {
	cfgDir       string
	rulesPath    string
	jsonOut      string
	projected    bool
	snapshotPath string
	pageSize     int
	rps          int
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("inboxctl-report failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() reportConfig {
	cfgDir := flag.String("config", os.ExpandEnv("$HOME/.gmailctl"), "gmail auth directory")
	rulesPath := flag.String("rules", "email_rules.json", "path to the rule-set document")
	jsonOut := flag.String("json", "", "write JSON report to path")
	projected := flag.Bool("projected", false, "report the diff as if pending address fixes were applied")
	snapshotPath := flag.String("snapshot", "", "read label snapshot from a JSON file instead of the live mailbox")
	pageSize := flag.Int("page-size", 500, "Gmail list page size (<=500)")
	rps := flag.Int("rps", 4, "max requests per second")
	flag.Parse()

	return reportConfig{
		cfgDir:       *cfgDir,
		rulesPath:    *rulesPath,
		jsonOut:      *jsonOut,
		projected:    *projected,
		snapshotPath: *snapshotPath,
		pageSize:     *pageSize,
		rps:          *rps,
	}
}

func run(cfg reportConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	doc, err := config.Load(cfg.rulesPath)
	if err != nil {
		return fmt.Errorf("load rules %s: %w", cfg.rulesPath, err)
	}

	snap, err := loadSnapshot(ctx, cfg, doc)
	if err != nil {
		return err
	}

	var rep report.Report
	if cfg.projected {
		rep = report.Project(doc, snap)
	} else {
		rep = report.Compute(doc, snap)
	}

	if printErr := report.PrintHuman(rep, os.Stdout); printErr != nil {
		return fmt.Errorf("print report: %w", printErr)
	}
	if cfg.jsonOut == "" {
		return nil
	}
	if writeErr := report.WriteJSON(rep, cfg.jsonOut); writeErr != nil {
		return fmt.Errorf("write json: %w", writeErr)
	}
	return nil
}

func loadSnapshot(ctx context.Context, cfg reportConfig, doc config.Document) (report.Snapshot, error) {
	if cfg.snapshotPath != "" {
		raw, err := os.ReadFile(cfg.snapshotPath) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", cfg.snapshotPath, err)
		}
		var snap report.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", cfg.snapshotPath, err)
		}
		return snap, nil
	}

	client, err := runtime.NewGmailClient(ctx, cfg.cfgDir, runtime.ScopeReadonly)
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	var limiter rate.Limiter
	if cfg.rps > 0 {
		limiter = rate.NewPacer(cfg.rps)
	}
	svc := report.NewService(client, limiter, runtime.DefaultLogger())
	svc.PageSize = cfg.pageSize
	snap, err := svc.Snapshot(ctx, doc.SenderOrder)
	if err != nil {
		return nil, fmt.Errorf("snapshot mailbox: %w", err)
	}
	return snap, nil
}
