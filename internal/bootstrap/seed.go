// Package bootstrap seeds a new workspace with its starter files.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Workspace file names.
const (
	PromptFile   = "PROMPT.md"
	PersonaFile  = "PERSONA.md"
	PulseFile    = "PULSE.md"
	LongTermFile = "journal/LONGTERM.md"
)

// workspaceDirs are created alongside the seeded files.
var workspaceDirs = []string{"journal", "recipes"}

// templated maps seeded files to embedded templates. Files not listed here
// are created empty.
var templated = map[string]string{
	PromptFile:  "PROMPT.md",
	PersonaFile: "PERSONA.md",
}

// seedOrder lists every file EnsureWorkspaceFiles creates.
var seedOrder = []string{PromptFile, PersonaFile, PulseFile, LongTermFile}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureWorkspaceFiles seeds starter files into a workspace directory,
// creating the directory tree as needed. Existing files are never
// overwritten. Returns the names of the files it created.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}
	for _, dir := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(workspaceDir, dir), 0755); err != nil {
			return nil, err
		}
	}

	var created []string
	for _, name := range seedOrder {
		ok, err := seedFile(workspaceDir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedFile writes one starter file unless it already exists. Reports whether
// the file was created.
func seedFile(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	tmpl, ok := templated[name]
	if !ok {
		return true, nil // created empty
	}

	content, err := templateFS.ReadFile(filepath.Join("templates", tmpl))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
