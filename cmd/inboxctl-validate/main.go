package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rparke/inboxctl/internal/config"
	"github.com/rparke/inboxctl/internal/runtime"
)

type validateConfig struct {
	rulesPath string
	failOn    string
}

func main() {
	cfg := parseFlags()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("inboxctl-validate failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() validateConfig {
	rulesPath := flag.String("rules", "email_rules.json", "path to the rule-set document")
	failOn := flag.String("fail-on", "error", "exit nonzero on: error, warning")
	flag.Parse()

	return validateConfig{rulesPath: *rulesPath, failOn: *failOn}
}

func run(cfg validateConfig) error {
	if cfg.failOn != "error" && cfg.failOn != "warning" {
		return fmt.Errorf("unknown -fail-on value %q", cfg.failOn)
	}

	logger := runtime.DefaultLogger()
	doc, err := config.Load(cfg.rulesPath)
	if err != nil {
		return fmt.Errorf("validate %s: %w", cfg.rulesPath, err)
	}

	for _, warning := range doc.Warnings {
		logger.Warn("configuration warning", "detail", warning)
	}
	logger.Info("configuration valid",
		"labels", len(doc.SenderOrder),
		"keyword_labels", len(doc.KeywordOrder),
		"ignore_rules", len(doc.IgnoreRules),
		"protected_labels", len(doc.ProtectedLabels),
		"selected_deletions", len(doc.SelectedDeletions),
		"warnings", len(doc.Warnings),
	)
	if cfg.failOn == "warning" && len(doc.Warnings) > 0 {
		return fmt.Errorf("%d configuration warning(s)", len(doc.Warnings))
	}
	return nil
}
