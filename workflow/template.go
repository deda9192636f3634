package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/concordhq/agentcore/prompt"
)

// Template is a canned plan stored as YAML. Step tasks may carry a
// {{user_request}} placeholder; otherwise the user's request is appended to
// each task verbatim.
type Template struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// LoadTemplates reads every .yaml/.yml file in dir. A missing directory is
// not an error: templates are optional.
func LoadTemplates(dir string) (map[string]Template, error) {
	out := map[string]Template{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read template directory %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %q: %w", path, err)
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to parse template %q: %w", path, err)
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if err := (Plan{Name: t.Name, Steps: t.Steps}).Validate(); err != nil {
			return nil, fmt.Errorf("template %q is invalid: %w", t.Name, err)
		}
		out[t.Name] = t
	}
	return out, nil
}

// Instantiate binds a template to a concrete user request.
func (t Template) Instantiate(userRequest string) (Plan, error) {
	steps := make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		task := s.Task
		if strings.Contains(task, "{{") {
			rendered, err := prompt.Render(task, map[string]string{"user_request": userRequest})
			if err != nil {
				return Plan{}, fmt.Errorf("template %q step %q: %w", t.Name, s.ID, err)
			}
			task = rendered
		} else if strings.TrimSpace(userRequest) != "" {
			task = task + "\n\nUser's original request: " + userRequest
		}
		s.Task = task
		steps[i] = s
	}
	return Plan{Name: t.Name, Steps: steps}, nil
}

// TemplateNames returns (name, description) pairs sorted by name.
func TemplateNames(templates map[string]Template) [][2]string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([][2]string, 0, len(names))
	for _, name := range names {
		out = append(out, [2]string{name, templates[name].Description})
	}
	return out
}
