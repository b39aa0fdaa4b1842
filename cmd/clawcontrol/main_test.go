package main

import (
	"os"
	"testing"

	"github.com/basket/clawcontrol/internal/config"
)

func TestWriteDefaultConfig(t *testing.T) {
	home := t.TempDir()

	if err := writeDefaultConfig(home); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	if _, err := os.Stat(config.ConfigPath(home)); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("freshly written config still reported as needing genesis")
	}
	if cfg.BindAddr != "127.0.0.1:18890" {
		t.Fatalf("bind_addr mismatch: got %q", cfg.BindAddr)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Role != "LEAD" {
		t.Fatalf("starter agents mismatch: %+v", cfg.Agents)
	}
}

func TestWriteDefaultConfigCreatesHome(t *testing.T) {
	home := t.TempDir() + "/nested/clawcontrol"

	if err := writeDefaultConfig(home); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	if _, err := os.Stat(config.ConfigPath(home)); err != nil {
		t.Fatalf("config.yaml not written in nested home: %v", err)
	}
}
