package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureWorkspaceFilesSeedsEverything(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}
	if len(created) != len(seedOrder) {
		t.Errorf("created %v, want all of %v", created, seedOrder)
	}

	for _, sub := range workspaceDirs {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s missing after seed", sub)
		}
	}

	prompt, err := os.ReadFile(filepath.Join(dir, PromptFile))
	if err != nil {
		t.Fatalf("read %s: %v", PromptFile, err)
	}
	if !strings.Contains(string(prompt), "Ember") {
		t.Errorf("%s lacks the template content", PromptFile)
	}

	pulse, err := os.ReadFile(filepath.Join(dir, PulseFile))
	if err != nil {
		t.Fatalf("read %s: %v", PulseFile, err)
	}
	if len(pulse) != 0 {
		t.Errorf("%s should start empty, got %q", PulseFile, pulse)
	}
}

func TestEnsureWorkspaceFilesNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatalf("first seed: %v", err)
	}

	custom := []byte("# My custom prompt\n")
	if err := os.WriteFile(filepath.Join(dir, PromptFile), custom, 0644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second seed created %v, want nothing", created)
	}

	got, _ := os.ReadFile(filepath.Join(dir, PromptFile))
	if string(got) != string(custom) {
		t.Errorf("seed overwrote an existing file: %q", got)
	}
}

func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate("PERSONA.md")
	if err != nil {
		t.Fatalf("ReadTemplate: %v", err)
	}
	if !strings.Contains(content, "Persona") {
		t.Errorf("unexpected template content: %q", content)
	}

	if _, err := ReadTemplate("NOPE.md"); err == nil {
		t.Error("expected error for unknown template")
	}
}
