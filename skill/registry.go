package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/concordhq/agentcore/logging"
)

const autoDirName = "_auto"

// Registry holds the skill library. Manual skills load from the configured
// directory; agent-created skills persist under its _auto/ subdirectory and
// reload on startup alongside the manual ones.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	dir    string
	logger logging.Logger
}

type Option func(*Registry)

func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{
		skills: map[string]*Skill{},
		dir:    dir,
		logger: logging.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads every *.md file in the skills directory and its _auto/
// subdirectory. A missing directory is not an error; unparseable files are
// skipped with a warning.
func (r *Registry) Load() error {
	if strings.TrimSpace(r.dir) == "" {
		return nil
	}
	if err := r.loadDir(r.dir, SourceManual); err != nil {
		return err
	}
	autoDir := filepath.Join(r.dir, autoDirName)
	if err := os.MkdirAll(autoDir, 0o755); err != nil {
		return fmt.Errorf("failed to create auto skills dir: %w", err)
	}
	return r.loadDir(autoDir, SourceAgent)
}

func (r *Registry) loadDir(dir, source string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read skills dir %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			r.logger.Warn("skill_file_unreadable", "file", e.Name(), "error", err.Error())
			continue
		}
		s, err := Parse(string(raw))
		if err != nil {
			r.logger.Warn("skill_file_invalid", "file", e.Name(), "error", err.Error())
			continue
		}
		if s.Source == SourceManual && source == SourceAgent {
			s.Source = SourceAgent
		}
		s.AutoGenerated = source == SourceAgent
		r.register(s)
		r.logger.Info("skill_loaded", "skill", s.Name, "source", s.Source)
	}
	return nil
}

func (r *Registry) register(s *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
}

func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IndexEntry is the lightweight view injected into system directives.
type IndexEntry struct {
	Name        string
	Description string
}

func (r *Registry) Index() []IndexEntry {
	skills := r.List()
	out := make([]IndexEntry, 0, len(skills))
	for _, s := range skills {
		out = append(out, IndexEntry{Name: s.Name, Description: s.Description})
	}
	return out
}

// Create writes a new agent-authored skill to _auto/<name>.md and registers
// it. Re-creating an existing name fails; use Update instead.
func (r *Registry) Create(name, description, content string, tags []string) (*Skill, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	if _, exists := r.Get(name); exists {
		return nil, fmt.Errorf("skill %q already exists", name)
	}

	now := time.Now().UTC()
	s := &Skill{
		Name:          name,
		Description:   strings.TrimSpace(description),
		Content:       strings.TrimSpace(content),
		Tags:          tags,
		Version:       1,
		Source:        SourceAgent,
		AutoGenerated: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.persist(s); err != nil {
		return nil, err
	}
	r.register(s)
	r.logger.Info("skill_created", "skill", s.Name)
	return s, nil
}

// Update merges a delta into an existing auto-generated skill and bumps its
// version. Manual skills are read-only through this path.
func (r *Registry) Update(name, delta string) (*Skill, error) {
	existing, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("skill %q not found", name)
	}
	if !existing.AutoGenerated {
		return nil, fmt.Errorf("skill %q is not auto-generated and cannot be updated", name)
	}
	if strings.TrimSpace(delta) == "" {
		return nil, fmt.Errorf("skill update requires content")
	}

	updated := *existing
	updated.Content = strings.TrimSpace(existing.Content) + "\n\n" + strings.TrimSpace(delta)
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	if err := r.persist(&updated); err != nil {
		return nil, err
	}
	r.register(&updated)
	r.logger.Info("skill_updated", "skill", name, "version", updated.Version)
	return &updated, nil
}

func (r *Registry) persist(s *Skill) error {
	if strings.TrimSpace(r.dir) == "" {
		return nil
	}
	dir := filepath.Join(r.dir, autoDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create auto skills dir: %w", err)
	}
	path := filepath.Join(dir, s.Name+".md")
	if err := os.WriteFile(path, []byte(s.Render()), 0o644); err != nil {
		return fmt.Errorf("failed to write skill file: %w", err)
	}
	return nil
}

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
