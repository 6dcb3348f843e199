package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func errorsAs(err error, target interface{}) bool {
	return errors.As(err, target)
}

func TestChanges(t *testing.T) {
	a := Default()
	b := Default()
	b.Channel2.Volume = 3
	b.Connection.Port = "COM3"

	changed := Changes(a, b)
	want := []string{"connection", "syringe-channel-2"}
	if len(changed) != len(want) {
		t.Fatalf("Changes() = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Errorf("Changes()[%d] = %q, want %q", i, changed[i], want[i])
		}
	}

	restart := RestartRequired(changed)
	if len(restart) != 1 || restart[0] != "connection" {
		t.Errorf("RestartRequired() = %v, want [connection]", restart)
	}
}

func TestReloader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poseidon.toml")
	write := func(data string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("[syringe-channel-1]\nvolume = 2\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	r := NewReloader(cfg)

	write("[syringe-channel-1]\nvolume = 4\n")
	updated, changed, err := r.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if updated.Channel1.Volume != 4 {
		t.Errorf("volume = %v, want 4", updated.Channel1.Volume)
	}
	if len(changed) != 1 || changed[0] != "syringe-channel-1" {
		t.Errorf("changed = %v", changed)
	}

	// A broken file keeps the current configuration.
	write("[syringe-channel-1]\nvolume = -4\n")
	if _, _, err := r.Reload(); err == nil {
		t.Fatal("Reload() of invalid file succeeded")
	}
	if r.Current().Channel1.Volume != 4 {
		t.Errorf("current volume = %v after failed reload, want 4", r.Current().Channel1.Volume)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() err = %v, want not exist", err)
	}
}
