package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.SendInterval != 100*time.Millisecond || cfg.DisplayWidth != 400 || cfg.DisplayHeight != 300 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestBackfill(t *testing.T) {
	var cfg Config
	cfg.Backfill()
	if cfg.SendInterval != 100*time.Millisecond || cfg.RefreshInterval != 16*time.Millisecond {
		t.Errorf("timing not backfilled: %v %v", cfg.SendInterval, cfg.RefreshInterval)
	}
	if cfg.SwitchDelay != 500*time.Millisecond || cfg.ReadyPoll != 100*time.Millisecond {
		t.Errorf("switch timing not backfilled: %v %v", cfg.SwitchDelay, cfg.ReadyPoll)
	}
	if cfg.Mirror != "auto" || cfg.FitMode != "stretch" || cfg.Facing != "user" {
		t.Errorf("modes not backfilled: %q %q %q", cfg.Mirror, cfg.FitMode, cfg.Facing)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThresholdPercent = 120
	cfg.Mirror = "sideways"
	cfg.LinkKind = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"threshold", "mirror", "link kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "RELAY_THRESHOLD=65\nRELAY_LINK=tcp\nRELAY_TCP_ADDR=127.0.0.1:7000\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("RELAY_ALLOW", "cat, dog ,")
	t.Setenv("RELAY_SEND_INTERVAL", "250ms")
	t.Setenv("RELAY_BAUD", "not-a-number")
	// Process environment wins over the file
	t.Setenv("RELAY_THRESHOLD", "70")
	for _, k := range []string{"RELAY_LINK", "RELAY_TCP_ADDR"} {
		k := k
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	cfg := DefaultConfig()
	if err := LoadEnv(&cfg, envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}

	if len(cfg.AllowList) != 2 || cfg.AllowList[0] != "cat" || cfg.AllowList[1] != "dog" {
		t.Errorf("AllowList = %q", cfg.AllowList)
	}
	if cfg.ThresholdPercent != 70 {
		t.Errorf("ThresholdPercent = %v", cfg.ThresholdPercent)
	}
	if cfg.SendInterval != 250*time.Millisecond {
		t.Errorf("SendInterval = %v", cfg.SendInterval)
	}
	if cfg.BaudRate != 115200 {
		t.Errorf("invalid baud should keep default, got %d", cfg.BaudRate)
	}
	if cfg.LinkKind != LinkTCP || cfg.TCPAddr != "127.0.0.1:7000" {
		t.Errorf("link from .env = %s %s", cfg.LinkKind, cfg.TCPAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBindFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	BindFlags(fs, &cfg)

	args := []string{"-allow", "bottle,cup", "-threshold", "35", "-mirror", "off", "-link", "stdout"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.AllowList) != 2 || cfg.AllowList[1] != "cup" {
		t.Errorf("AllowList = %q", cfg.AllowList)
	}
	if cfg.ThresholdPercent != 35 || cfg.Mirror != "off" || cfg.LinkKind != LinkStdout {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.SendInterval != 100*time.Millisecond {
		t.Errorf("unset flag changed SendInterval to %v", cfg.SendInterval)
	}
}

func TestKafkaEnabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Kafka.Enabled() {
		t.Fatalf("telemetry enabled without brokers")
	}
	cfg.Kafka.BootstrapServers = "localhost:9092"
	if !cfg.Kafka.Enabled() {
		t.Fatalf("telemetry disabled with brokers")
	}
}
