package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_EmitsOnPersonaEdit(t *testing.T) {
	dir := t.TempDir()
	persona := filepath.Join(dir, "PERSONA.md")
	if err := os.WriteFile(persona, []byte("You are a booking assistant."), 0o644); err != nil {
		t.Fatalf("seed persona: %v", err)
	}

	w := NewWatcher(dir, nil)
	w.debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(persona, []byte("You are a terse booking assistant."), 0o644); err != nil {
		t.Fatalf("edit persona: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "PERSONA.md" {
			t.Fatalf("unexpected path: %s", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event after persona edit")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)
	w.debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "concierge.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected reload event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_SurvivesRenameReplace(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	w := NewWatcher(dir, nil)
	w.debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Editors save by writing a temp file and renaming it over the target.
	tmp := filepath.Join(dir, "config.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, cfgPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected path: %s", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event after rename-replace save")
	}
}
