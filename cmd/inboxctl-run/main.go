package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/policy"
	"github.com/rparke/inboxctl/internal/rate"
	"github.com/rparke/inboxctl/internal/run"
	"github.com/rparke/inboxctl/internal/runtime"
	"github.com/rparke/inboxctl/internal/state"
)

type runConfig struct {
	cfgDir        string
	rulesPath     string
	stateDir      string
	dryRun        bool
	fullRescan    bool
	confirmDelete bool
	pageSize      int
	rps           int
}

func main() {
	cfg := parseFlags()
	if err := runMain(cfg); err != nil {
		runtime.DefaultLogger().Error("inboxctl-run failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() runConfig {
	cfgDir := flag.String("config", os.ExpandEnv("$HOME/.gmailctl"), "gmail auth directory")
	rulesPath := flag.String("rules", "email_rules.json", "path to the rule-set document")
	stateDir := flag.String("state", ".", "directory holding run state files")
	dryRun := flag.Bool("dry-run", false, "log every decision without mutating the mailbox or state")
	fullRescan := flag.Bool("full-rescan", false, "re-evaluate historical mail, ignoring per-sender timestamps")
	confirmDelete := flag.Bool("confirm-delete", false, "actually delete messages; otherwise deletions are logged and skipped")
	pageSize := flag.Int("page-size", 500, "Gmail list page size (<=500)")
	rps := flag.Int("rps", 4, "max requests per second")
	flag.Parse()

	return runConfig{
		cfgDir:        *cfgDir,
		rulesPath:     *rulesPath,
		stateDir:      *stateDir,
		dryRun:        *dryRun,
		fullRescan:    *fullRescan,
		confirmDelete: *confirmDelete,
		pageSize:      *pageSize,
		rps:           *rps,
	}
}

func runMain(cfg runConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := runtime.DefaultLogger()

	doc, err := config.Load(cfg.rulesPath)
	if err != nil {
		return fmt.Errorf("load rules %s: %w", cfg.rulesPath, err)
	}

	st, err := state.Open(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("open sender state: %w", err)
	}
	queue, err := policy.OpenQueue(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("open deferred deletions: %w", err)
	}

	// Dry runs never mutate, so readonly scope is enough.
	scope := runtime.ScopeFull
	if cfg.dryRun {
		scope = runtime.ScopeReadonly
	}
	client, err := runtime.NewGmailClient(ctx, cfg.cfgDir, scope)
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}

	var limiter rate.Limiter
	if cfg.rps > 0 {
		limiter = rate.NewPacer(cfg.rps)
	}

	svc := run.NewService(client, limiter, logger, doc, st, queue)
	sum, err := svc.Run(ctx, run.Spec{
		DryRun:        cfg.dryRun,
		FullRescan:    cfg.fullRescan,
		ConfirmDelete: cfg.confirmDelete,
		PageSize:      cfg.pageSize,
	})
	logger.Info("run complete",
		"dry_run", cfg.dryRun,
		"processed", sum.Processed,
		"labeled", sum.Labeled,
		"ignored", sum.Ignored,
		"deleted", sum.Deleted,
		"deferred", sum.Deferred,
		"skipped", sum.Skipped,
		"errors", sum.Errors,
	)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
