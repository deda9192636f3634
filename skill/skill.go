// Package skill manages the agent's skill library. A skill is a markdown
// body behind YAML frontmatter; only the description is surfaced in the
// system directive, the body loads on demand through the load_skill tool.
package skill

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Skill struct {
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description" yaml:"description"`
	Content       string    `json:"content" yaml:"-"`
	Tags          []string  `json:"tags,omitempty" yaml:"-"`
	Version       int       `json:"version" yaml:"version"`
	Source        string    `json:"source" yaml:"source"`
	AutoGenerated bool      `json:"autoGenerated" yaml:"auto_generated"`
	CreatedAt     time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" yaml:"updated_at"`
}

const (
	SourceManual       = "manual"
	SourceConversation = "conversation"
	SourceAgent        = "agent"
)

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tags        string `yaml:"tags"`
	Version     int    `yaml:"version"`
	Source      string `yaml:"source"`
	CreatedAt   string `yaml:"created_at"`
	UpdatedAt   string `yaml:"updated_at"`
}

// Parse reads a skill document: "---" frontmatter, "---", markdown body.
func Parse(raw string) (*Skill, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "---") {
		return nil, fmt.Errorf("skill document is missing frontmatter")
	}
	parts := strings.SplitN(raw, "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("skill frontmatter is not terminated")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return nil, fmt.Errorf("failed to parse skill frontmatter: %w", err)
	}
	if strings.TrimSpace(fm.Name) == "" || strings.TrimSpace(fm.Description) == "" {
		return nil, fmt.Errorf("skill requires name and description")
	}

	s := &Skill{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Content:     strings.TrimSpace(parts[2]),
		Version:     fm.Version,
		Source:      fm.Source,
	}
	if s.Version < 1 {
		s.Version = 1
	}
	if s.Source == "" {
		s.Source = SourceManual
	}
	for _, tag := range strings.Split(fm.Tags, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			s.Tags = append(s.Tags, tag)
		}
	}
	if ts, err := time.Parse(time.RFC3339, fm.CreatedAt); err == nil {
		s.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, fm.UpdatedAt); err == nil {
		s.UpdatedAt = ts
	}
	return s, nil
}

// Render produces the on-disk document for a skill.
func (s *Skill) Render() string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("name: " + s.Name + "\n")
	b.WriteString("description: " + s.Description + "\n")
	if len(s.Tags) > 0 {
		b.WriteString("tags: " + strings.Join(s.Tags, ", ") + "\n")
	}
	fmt.Fprintf(&b, "version: %d\n", s.Version)
	b.WriteString("source: " + s.Source + "\n")
	if !s.CreatedAt.IsZero() {
		b.WriteString("created_at: " + s.CreatedAt.UTC().Format(time.RFC3339) + "\n")
	}
	if !s.UpdatedAt.IsZero() {
		b.WriteString("updated_at: " + s.UpdatedAt.UTC().Format(time.RFC3339) + "\n")
	}
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimSpace(s.Content))
	b.WriteString("\n")
	return b.String()
}
