package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/kiroku/internal/config"
)

func TestOnboardCreatesConfigAndWorkspace(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("runOnboard: %v", err)
	}

	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Fatalf("config not created: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Characters) == 0 {
		t.Fatal("onboard should seed a character")
	}

	for _, id := range cfg.CharacterIDs() {
		persona := filepath.Join(cfg.CharacterDir(id), "persona.md")
		if _, err := os.Stat(persona); err != nil {
			t.Errorf("persona for %s not seeded: %v", id, err)
		}
	}

	// A second run is a no-op, not an error.
	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("second runOnboard: %v", err)
	}
}

func TestStatusDoesNotFailWithoutConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := runStatus(nil, nil); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
}

func TestMaintainWithEmptyLog(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := runOnboard(nil, nil); err != nil {
		t.Fatalf("runOnboard: %v", err)
	}

	dateFlag = "2026-08-20"
	defer func() { dateFlag = "" }()

	// No chat traffic: every entity skips cleanly.
	if err := runMaintain(nil, nil); err != nil {
		t.Fatalf("runMaintain: %v", err)
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("got %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("got %q", got)
	}
}
