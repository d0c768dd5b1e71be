// Package tools defines the business tools offered to the model: read-only
// lookups that execute inline, and write operations that go through the
// trust engine's proposal lifecycle. Every tool input is validated against
// its JSON schema before anything runs.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/harborline/concierge/internal/llm"
	"github.com/harborline/concierge/internal/trust"
)

// Tool is one model-callable capability. Read-only tools carry a Run
// handler; write tools carry the trust operation name and a preview
// builder instead.
type Tool struct {
	Name        string
	Description string

	// Tier is the trust tier for write tools. Empty for read-only tools.
	Tier trust.Tier

	// PerTurnCap bounds invocations of this tool within one user turn.
	// 0 means the turn depth cap alone applies.
	PerTurnCap int

	// PerSessionCap bounds invocations over the session's lifetime.
	// 0 falls back to the guard's configured default.
	PerSessionCap int

	// ReadOnly tools run inline. Write tools are proposed instead.
	ReadOnly bool

	// Run executes a read-only tool. Input has already been validated.
	Run ReadHandler

	// Preview renders a human-readable restatement of a write payload.
	// Confirmation flows surface this text verbatim.
	Preview func(input map[string]any) string

	rawSchema string
	schemaDoc map[string]any
	compiled  *jsonschema.Schema
}

// SchemaDoc returns the tool's input schema as a document for the provider.
func (t *Tool) SchemaDoc() map[string]any {
	return t.schemaDoc
}

// ValidateInput checks the input against the tool's schema. The error text
// is safe to hand back to the model as a tool error.
func (t *Tool) ValidateInput(input map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	// The validator wants the shape produced by encoding/json, so round-trip
	// the map through it to normalize numbers.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid input for %s: %w", t.Name, err)
	}
	return nil
}

// Registry holds the tool set exposed to a session. Definitions are fixed
// at wiring time.
type Registry struct {
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Add compiles the tool's schema and registers it. Duplicate names and
// malformed schemas fail loudly at wiring time.
func (r *Registry) Add(t *Tool, rawSchema string) error {
	if t.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	if t.ReadOnly && t.Run == nil {
		return fmt.Errorf("read-only tool %q needs a handler", t.Name)
	}
	if !t.ReadOnly {
		if _, err := trust.ParseTier(string(t.Tier)); err != nil {
			return fmt.Errorf("tool %q: %w", t.Name, err)
		}
		if t.Preview == nil {
			return fmt.Errorf("write tool %q needs a preview builder", t.Name)
		}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rawSchema))
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", t.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + t.Name + "/schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("tool %q schema: %w", t.Name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", t.Name, err)
	}

	var docMap map[string]any
	if err := json.Unmarshal([]byte(rawSchema), &docMap); err != nil {
		return fmt.Errorf("tool %q schema: %w", t.Name, err)
	}

	t.rawSchema = rawSchema
	t.schemaDoc = docMap
	t.compiled = compiled
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs renders the tool set for the completion provider, sorted by name
// so the prompt stays stable across restarts.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.schemaDoc,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
