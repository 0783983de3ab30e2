package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/canukguy1974/franky-ai/internal/config"
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
)

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "qa:\n  min_score: 85\n"
	if err := os.WriteFile(config.Path(ws), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var logs bytes.Buffer
	s, err := Open(context.Background(), Options{Workspace: ws, LogOutput: &logs, Metrics: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.Config.QA.MinScore != 85 {
		t.Fatalf("expected min_score override, got %v", s.Config.QA.MinScore)
	}
	if len(s.Config.Services) == 0 {
		t.Fatalf("expected default services to survive a partial config")
	}
	if s.Engine.Metrics == nil {
		t.Fatalf("expected metrics to be wired")
	}
	if _, err := os.Stat(filepath.Join(ws, ".franky", "franky.db")); err != nil {
		t.Fatalf("expected database in workspace: %v", err)
	}

	lead, err := s.Engine.SubmitLead(context.Background(), engine.LeadSubmitOptions{BusinessName: "Acme", ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit lead: %v", err)
	}
	if lead.Classification != domain.ClassCold {
		t.Fatalf("expected a signal-less lead to be cold, got %s", lead.Classification)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "custom.yml")
	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Open(context.Background(), Options{Workspace: ws, ConfigPath: path})
	if err == nil || !strings.Contains(err.Error(), "custom.yml") {
		t.Fatalf("expected config error naming the file, got %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg.Services[config.DefaultService]; !ok {
		t.Fatalf("expected default service template")
	}
}
