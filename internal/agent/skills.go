package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Skill is one workspace recipe: frontmatter metadata plus a markdown body
// injected into the system prompt when a keyword matches the message.
type Skill struct {
	Name        string
	Description string
	Keywords    []string
	Body        string
	SourcePath  string
}

type skillMeta struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// LoadSkills reads every <dir>/<skill>/SKILL.md. A missing directory loads
// an empty catalog; files without valid frontmatter or a name are skipped.
func LoadSkills(dir string) []Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "SKILL.md")
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if skill, ok := parseSkill(string(raw), path); ok {
			skills = append(skills, skill)
		}
	}
	return skills
}

func parseSkill(raw, path string) (Skill, bool) {
	front, body, ok := splitFrontmatter(raw)
	if !ok {
		return Skill{}, false
	}
	var meta skillMeta
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return Skill{}, false
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return Skill{}, false
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, k := range meta.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	return Skill{
		Name:        name,
		Description: strings.TrimSpace(meta.Description),
		Keywords:    keywords,
		Body:        strings.TrimSpace(body),
		SourcePath:  path,
	}, true
}

// splitFrontmatter separates the YAML header from the markdown body. The
// header is delimited by a leading "---" line and the next "---" line.
func splitFrontmatter(text string) (front, body string, ok bool) {
	if !strings.HasPrefix(text, "---") {
		return "", text, false
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return "", text, false
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return "", text, false
	}
	return strings.Join(lines[1:end], "\n"), strings.Join(lines[end+1:], "\n"), true
}

// MatchSkills returns the skills whose keywords appear in the message,
// case-folded. Skills without keywords never match.
func MatchSkills(skills []Skill, message string) []Skill {
	msg := strings.ToLower(message)
	var matched []Skill
	for _, skill := range skills {
		for _, k := range skill.Keywords {
			if strings.Contains(msg, k) {
				matched = append(matched, skill)
				break
			}
		}
	}
	return matched
}

// PickSkillDir prefers the workspace recipes directory over skills.
func PickSkillDir(workspace string) string {
	recipes := filepath.Join(workspace, "recipes")
	if _, err := os.Stat(recipes); err == nil {
		return recipes
	}
	return filepath.Join(workspace, "skills")
}

// SkillSet is a reloadable skill catalog. Watch keeps it in sync with
// on-disk edits so new recipes apply without a restart.
type SkillSet struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills []Skill
}

func NewSkillSet(dir string, logger *slog.Logger) *SkillSet {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SkillSet{dir: dir, logger: logger}
	s.Reload()
	return s
}

// Reload re-reads the catalog from disk.
func (s *SkillSet) Reload() {
	skills := LoadSkills(s.dir)
	s.mu.Lock()
	s.skills = skills
	s.mu.Unlock()
}

// All returns a snapshot of the catalog.
func (s *SkillSet) All() []Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Skill, len(s.skills))
	copy(out, s.skills)
	return out
}

// Match returns the loaded skills triggered by the message.
func (s *SkillSet) Match(message string) []Skill {
	return MatchSkills(s.All(), message)
}

// Watch reloads the catalog whenever the skill directory changes, until ctx
// is done. Failure to establish the watch leaves the startup catalog in
// place; it is never fatal.
func (s *SkillSet) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("skill watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		s.logger.Debug("skill dir not watchable", "dir", s.dir, "error", err)
		return
	}
	s.addSkillDirs(watcher)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.Reload()
				s.addSkillDirs(watcher)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Debug("skill watcher error", "error", err)
			}
		}
	}()
}

// addSkillDirs watches each skill subdirectory; the parent watch alone only
// reports direct children, not SKILL.md edits inside them.
func (s *SkillSet) addSkillDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			watcher.Add(filepath.Join(s.dir, entry.Name()))
		}
	}
}
