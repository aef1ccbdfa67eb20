package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const skillFilename = "SKILL.md"

// Skill is a markdown-defined prompt extension discovered from the
// skills directory. The frontmatter carries metadata; the body is
// injected into the system prompt of bots the skill applies to.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Bots        []string `yaml:"bots,omitempty"`  // empty means all bots
	Tools       []string `yaml:"tools,omitempty"` // extra allowed tools while active

	Content string `yaml:"-"`
	Path    string `yaml:"-"`
}

// AppliesTo reports whether the skill is active for the named bot.
func (s *Skill) AppliesTo(bot string) bool {
	if len(s.Bots) == 0 {
		return true
	}
	for _, b := range s.Bots {
		if b == bot {
			return true
		}
	}
	return false
}

var skillNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// scanPatterns rejects skill bodies that smuggle credentials or try to
// override the agent's standing instructions. A match quarantines the
// skill; it is reported but never loaded.
var scanPatterns = []struct {
	reason string
	re     *regexp.Regexp
}{
	{"embedded api key", regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)},
	{"embedded token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]+`)},
	{"embedded credential", regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[=:]\s*["']?[A-Za-z0-9+/_-]{16,}`)},
	{"instruction override", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules)`)},
	{"exfiltration directive", regexp.MustCompile(`(?i)(send|post|forward|exfiltrate)\s+.{0,40}(conversation|history|secrets|credentials)\s+to\b`)},
}

// ScanSkill returns the reasons the skill content fails the static
// scan, or nil when it is clean.
func ScanSkill(s *Skill) []string {
	var reasons []string
	for _, p := range scanPatterns {
		if p.re.MatchString(s.Content) {
			reasons = append(reasons, p.reason)
		}
	}
	return reasons
}

// ParseSkillFile reads and parses a SKILL.md file.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	skill, err := ParseSkill(data)
	if err != nil {
		return nil, err
	}
	skill.Path = filepath.Dir(path)
	return skill, nil
}

// ParseSkill parses SKILL.md content: YAML frontmatter between ---
// delimiters, then the markdown body.
func ParseSkill(data []byte) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(front, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if !skillNamePattern.MatchString(skill.Name) {
		return nil, fmt.Errorf("invalid skill name %q: lowercase and hyphens only", skill.Name)
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	skill.Content = strings.TrimSpace(string(body))
	return &skill, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}

// SkillLoader discovers skills under <dir>/<name>/SKILL.md, gates them
// through the static scan, and hot-reloads on filesystem changes.
type SkillLoader struct {
	dir    string
	logger *slog.Logger

	mu          sync.RWMutex
	skills      map[string]*Skill
	quarantined map[string][]string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewSkillLoader(dir string, logger *slog.Logger) *SkillLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillLoader{
		dir:         dir,
		logger:      logger.With("component", "skills"),
		skills:      make(map[string]*Skill),
		quarantined: make(map[string][]string),
	}
}

// Load scans the skills directory once. Missing directory is not an
// error; it just means no skills.
func (l *SkillLoader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	loaded := make(map[string]*Skill)
	quarantined := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), skillFilename)
		skill, err := ParseSkillFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			l.logger.Warn("skipping malformed skill", "dir", entry.Name(), "error", err)
			continue
		}
		if reasons := ScanSkill(skill); len(reasons) > 0 {
			quarantined[skill.Name] = reasons
			l.logger.Warn("skill quarantined by static scan",
				"skill", skill.Name, "reasons", strings.Join(reasons, ", "))
			continue
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.quarantined = quarantined
	l.mu.Unlock()
	return nil
}

// Watch starts the fsnotify reload loop. Any change under the skills
// directory triggers a full rescan.
func (l *SkillLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	// Watch existing skill subdirectories too; fsnotify is not recursive.
	if entries, err := os.ReadDir(l.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(l.dir, e.Name()))
			}
		}
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.watchLoop(ctx)
	return nil
}

func (l *SkillLoader) watchLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = l.watcher.Add(ev.Name)
				}
			}
			if err := l.Load(); err != nil {
				l.logger.Error("skill reload failed", "error", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("skill watcher error", "error", err)
		}
	}
}

// Stop shuts down the watcher, if running.
func (l *SkillLoader) Stop() {
	if l.watcher == nil {
		return
	}
	close(l.done)
	l.watcher.Close()
	l.wg.Wait()
	l.watcher = nil
}

// Skills returns the loaded skills, sorted by name.
func (l *SkillLoader) Skills() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForBot returns the skills active for the named bot.
func (l *SkillLoader) ForBot(bot string) []*Skill {
	var out []*Skill
	for _, s := range l.Skills() {
		if s.AppliesTo(bot) {
			out = append(out, s)
		}
	}
	return out
}

// Quarantined reports skills rejected by the static scan and why.
func (l *SkillLoader) Quarantined() map[string][]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string][]string, len(l.quarantined))
	for name, reasons := range l.quarantined {
		out[name] = append([]string(nil), reasons...)
	}
	return out
}
