package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

// MemoryStore reads and writes the workspace journal: LONGTERM.md for
// durable facts plus one YYYY-MM-DD.md file per day. Older workspaces kept
// the same files under memory/ with MEMORY.md as the long-term file; those
// are still read.
type MemoryStore struct {
	workspace string
}

func NewMemoryStore(workspace string) *MemoryStore {
	return &MemoryStore{workspace: workspace}
}

func (m *MemoryStore) journalDir() string { return filepath.Join(m.workspace, "journal") }
func (m *MemoryStore) legacyDir() string  { return filepath.Join(m.workspace, "memory") }

// ReadLongTerm returns the long-term memory file, empty when absent.
func (m *MemoryStore) ReadLongTerm() string {
	data, err := os.ReadFile(filepath.Join(m.journalDir(), "LONGTERM.md"))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(m.legacyDir(), "MEMORY.md"))
		if err != nil {
			return ""
		}
	}
	return string(data)
}

// WriteLongTerm replaces the long-term memory file.
func (m *MemoryStore) WriteLongTerm(content string) error {
	if err := os.MkdirAll(m.journalDir(), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.journalDir(), "LONGTERM.md"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	return nil
}

func (m *MemoryStore) todayName() string {
	return time.Now().Format("2006-01-02") + ".md"
}

// ReadToday returns today's journal file, empty when absent.
func (m *MemoryStore) ReadToday() string {
	name := m.todayName()
	data, err := os.ReadFile(filepath.Join(m.journalDir(), name))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(m.legacyDir(), name))
		if err != nil {
			return ""
		}
	}
	return string(data)
}

// AppendToday appends one entry to today's journal file, always ending the
// file on a newline.
func (m *MemoryStore) AppendToday(content string) error {
	if err := os.MkdirAll(m.journalDir(), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(m.journalDir(), m.todayName()), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	entry := strings.TrimRightFunc(content, unicode.IsSpace) + "\n"
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// RecentJournal renders up to days of the newest day files as "## date"
// sections, newest first. Empty files are skipped.
func (m *MemoryStore) RecentJournal(days int) string {
	dir := m.journalDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		dir = m.legacyDir()
		entries, err = os.ReadDir(dir)
		if err != nil {
			return ""
		}
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		if name == "MEMORY.md" || name == "LONGTERM.md" {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if days > 0 && len(names) > days {
		names = names[:days]
	}

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n%s\n", strings.TrimSuffix(name, ".md"), content))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Context assembles the memory sections injected into the system prompt.
func (m *MemoryStore) Context() string {
	var parts []string
	if lt := strings.TrimSpace(m.ReadLongTerm()); lt != "" {
		parts = append(parts, "# Long-term Memory\n"+lt)
	}
	if recent := m.RecentJournal(7); recent != "" {
		parts = append(parts, "# Recent Journal\n"+recent)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
