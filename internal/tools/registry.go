// Package tools defines the tool catalogue advertised to LLM providers and
// the routing metadata the track engine needs to execute tool calls.
package tools

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/msfailab/msfailab/internal/llm"
)

// Executor kinds. A tool call is translated to either a Metasploit console
// command or a bash exec in the container; the core never runs tools itself.
const (
	ExecutorMsf  = "msf"
	ExecutorBash = "bash"
)

// Definition describes one callable tool.
type Definition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Sequential  bool           `yaml:"sequential"`
	Executor    string         `yaml:"executor"`
}

// Registry holds tool definitions by name.
type Registry struct {
	defs map[string]Definition
}

// commandParameters is the schema shared by the built-in tools: a single
// required command string.
func commandParameters(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required": []any{"command"},
	}
}

// NewRegistry creates a registry with the two built-in tools.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	r.register(Definition{
		Name: "msf_command",
		Description: "Run a command in the Metasploit console for this track. " +
			"Commands run one at a time; the result is the console output up to the next prompt.",
		Parameters: commandParameters("The Metasploit console command to run, e.g. 'db_status' or 'use exploit/multi/handler'."),
		Sequential: true,
		Executor:   ExecutorMsf,
	})
	r.register(Definition{
		Name: "bash_command",
		Description: "Run a bash command inside the track's container. " +
			"Commands run in parallel and finish with an exit code.",
		Parameters: commandParameters("The bash command to run, e.g. 'nmap -sV 10.0.0.5'."),
		Sequential: false,
		Executor:   ExecutorBash,
	})
	return r
}

func (r *Registry) register(def Definition) {
	r.defs[def.Name] = def
}

// LoadExtra merges tool definitions from a YAML file into the registry.
// Definitions with a known name override the built-ins.
func (r *Registry) LoadExtra(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tool registry file: %w", err)
	}
	var defs []Definition
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("failed to parse tool registry file: %w", err)
	}
	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("tool definition without a name in %s", path)
		}
		switch def.Executor {
		case ExecutorMsf, ExecutorBash:
		default:
			return fmt.Errorf("tool %q has unknown executor %q", def.Name, def.Executor)
		}
		r.register(def)
	}
	return nil
}

// Lookup returns a tool definition by name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Resolve reports a tool's sequential flag and executor kind. Unknown tools
// report known=false; callers reject the call.
func (r *Registry) Resolve(name string) (sequential bool, executor string, known bool) {
	def, ok := r.defs[name]
	if !ok {
		return false, "", false
	}
	return def.Sequential, def.Executor, true
}

// Definitions returns the catalogue in provider-neutral form, sorted by name
// for stable request encoding.
func (r *Registry) Definitions() []llm.ToolDefinition {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		def := r.defs[name]
		out = append(out, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		})
	}
	return out
}
