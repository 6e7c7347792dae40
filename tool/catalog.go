// Package tool defines the risk-handling tool surface: the catalog of
// launchable tools, the executor abstraction, and the completion dispatcher
// that routes asynchronous tool outcomes back to the ticket engine.
package tool

import (
	"fmt"
	"os"
	"sort"

	"bkaudit/core"

	"gopkg.in/yaml.v3"
)

// Tool describes one launchable handling tool.
type Tool struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// TerminalAction decides where the ticket goes after a successful run:
	// back to manual processing or straight to auto-closed.
	TerminalAction core.TerminalAction `yaml:"terminal_action"`
	// NeedsApproval gates the launch behind the pre-approval state.
	NeedsApproval bool        `yaml:"needs_approval"`
	Params        []ToolParam `yaml:"params,omitempty"`
}

// ToolParam declares one launch parameter.
type ToolParam struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// Catalog is the set of tools known to the platform, loaded from YAML.
type Catalog struct {
	tools map[string]*Tool
}

type catalogFile struct {
	Tools []Tool `yaml:"tools"`
}

// LoadCatalog reads a tool catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from YAML bytes.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	c := &Catalog{tools: make(map[string]*Tool, len(file.Tools))}
	for i := range file.Tools {
		t := &file.Tools[i]
		if t.Name == "" {
			return nil, fmt.Errorf("tool catalog entry %d has no name", i)
		}
		switch t.TerminalAction {
		case core.TerminalActionReturnManual, core.TerminalActionClose:
		case "":
			t.TerminalAction = core.TerminalActionReturnManual
		default:
			return nil, fmt.Errorf("tool %s: unknown terminal action %q", t.Name, t.TerminalAction)
		}
		if _, dup := c.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool catalog has duplicate entry %q", t.Name)
		}
		c.tools[t.Name] = t
	}
	return c, nil
}

// EmptyCatalog returns a catalog with no tools.
func EmptyCatalog() *Catalog {
	return &Catalog{tools: make(map[string]*Tool)}
}

// Get looks a tool up by name.
func (c *Catalog) Get(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// All returns every tool sorted by name.
func (c *Catalog) All() []*Tool {
	out := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams checks that every required parameter is present.
func (t *Tool) ValidateParams(params map[string]interface{}) error {
	for _, p := range t.Params {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			return core.NewValidationError("params."+p.Name, "required tool parameter is missing")
		}
	}
	return nil
}
