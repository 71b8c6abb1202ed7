package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ReconnectDelay != 3000*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 3s", cfg.ReconnectDelay)
	}
	if cfg.CommandTimeout != 3000*time.Millisecond {
		t.Errorf("CommandTimeout = %v, want 3s", cfg.CommandTimeout)
	}
	if cfg.DiscoveryPort != 6667 {
		t.Errorf("DiscoveryPort = %d, want 6667", cfg.DiscoveryPort)
	}
	if cfg.DevicePort != 6668 {
		t.Errorf("DevicePort = %d, want 6668", cfg.DevicePort)
	}
	if cfg.InventoryPath != filepath.Join("tinytuya", "devices.json") {
		t.Errorf("InventoryPath = %q", cfg.InventoryPath)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DiscoveryPort != 6667 {
		t.Errorf("DiscoveryPort = %d, want default 6667", cfg.DiscoveryPort)
	}
	if cfg.API.SessionSecret == "" {
		t.Error("expected a generated session secret")
	}

	// Load wrote the generated secret back; a second load must see it.
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if cfg2.API.SessionSecret != cfg.API.SessionSecret {
		t.Error("session secret not persisted across loads")
	}
}

func TestLoadAppliesFloors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "namespace: test\nreconnect_delay: 0s\ncommand_timeout: 0s\ndiscovery_port: 0\ndevice_port: 0\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconnectDelay != 3000*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want floor 3s", cfg.ReconnectDelay)
	}
	if cfg.DiscoveryPort != 6667 || cfg.DevicePort != 6668 {
		t.Errorf("ports = %d/%d, want 6667/6668", cfg.DiscoveryPort, cfg.DevicePort)
	}
	if cfg.Namespace != "test" {
		t.Errorf("Namespace = %q, want test", cfg.Namespace)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "factory7"
	cfg.MQTT = []MQTTConfig{{Name: "main", Enabled: true, Broker: "localhost", Port: 1883, RootTopic: "tuya"}}
	cfg.Valkey = []ValkeyConfig{{Name: "cache", Enabled: true, Address: "localhost:6379", KeyTTL: time.Minute}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Namespace != "factory7" {
		t.Errorf("Namespace = %q", got.Namespace)
	}
	if len(got.MQTT) != 1 || got.MQTT[0].Broker != "localhost" {
		t.Errorf("MQTT = %+v", got.MQTT)
	}
	if len(got.Valkey) != 1 || got.Valkey[0].KeyTTL != time.Minute {
		t.Errorf("Valkey = %+v", got.Valkey)
	}
}

func TestDebugTags(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.DebugTags(); got != nil {
		t.Errorf("empty filter should return nil, got %v", got)
	}

	cfg.DebugFilter = "reactor, scanner ,device:10.0.0.5"
	got := cfg.DebugTags()
	want := []string{"reactor", "scanner", "device:10.0.0.5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
