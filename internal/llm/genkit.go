package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/harborline/concierge/internal/config"
	"github.com/harborline/concierge/internal/pricing"
)

// GenkitProvider backs the Provider interface with Genkit. Generation runs
// with tool requests returned to the caller instead of executed in-plugin,
// so budgets and trust tiers are checked before anything runs.
type GenkitProvider struct {
	g        *genkit.Genkit
	name     string
	provider string
	model    string
	live     bool

	toolRefs map[string]ai.Tool
}

// NewGenkitProvider initializes Genkit with the configured backend.
// Supports: google (Gemini), anthropic (Claude), openai, openai_compatible.
// Without an API key the provider still constructs but reports not live.
func NewGenkitProvider(ctx context.Context, cfg config.LLMConfig) *GenkitProvider {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	model := strings.TrimSpace(cfg.Model)
	apiKey := cfg.ResolveAPIKey()

	var g *genkit.Genkit
	live := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			live = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			live = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			live = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			live = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
	}
	if live {
		slog.Info("completion provider initialized", "provider", provider, "model", model)
	} else {
		slog.Warn("no API key for completion provider, replies will be canned", "provider", provider)
	}

	return &GenkitProvider{
		g:        g,
		name:     provider,
		provider: provider,
		model:    model,
		live:     live,
		toolRefs: make(map[string]ai.Tool),
	}
}

func (p *GenkitProvider) Name() string { return p.name }

// Live reports whether a real backend is configured.
func (p *GenkitProvider) Live() bool { return p.live }

func (p *GenkitProvider) modelName() string {
	switch p.provider {
	case "anthropic":
		return "anthropic/" + p.model
	case "openai":
		return "openai/" + p.model
	case "openai_compatible":
		return p.model
	default:
		return "googleai/" + p.model
	}
}

// toolRef registers (once) a declaration-only tool so the model can see it.
// With tool requests returned to the caller the handler never runs; it
// exists only to satisfy registration.
func (p *GenkitProvider) toolRef(spec ToolSpec) ai.Tool {
	if ref, ok := p.toolRefs[spec.Name]; ok {
		return ref
	}
	name := spec.Name
	ref := genkit.DefineTool(p.g, name, spec.Description,
		func(ctx *ai.ToolContext, input map[string]any) (string, error) {
			return "", fmt.Errorf("tool %q must be executed by the orchestrator", name)
		})
	p.toolRefs[name] = ref
	return ref
}

func (p *GenkitProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if !p.live {
		return (&StaticProvider{}).Generate(ctx, req)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(p.modelName()),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		// Escape % to prevent fmt corruption inside WithSystem.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if msgs := toGenkitMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(req.Tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(req.Tools))
		for _, spec := range req.Tools {
			refs = append(refs, p.toolRef(spec))
		}
		opts = append(opts, ai.WithTools(refs...))
		opts = append(opts, ai.WithReturnToolRequests(true))
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	out := &Response{Text: resp.Text()}
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
		slog.Debug("completion finished",
			"model", p.model,
			"tokens_in", out.Usage.InputTokens,
			"tokens_out", out.Usage.OutputTokens,
			"cost_usd", pricing.EstimateCost(p.model, out.Usage.InputTokens, out.Usage.OutputTokens))
	}
	for _, tr := range resp.ToolRequests() {
		input, _ := tr.Input.(map[string]any)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tr.Ref,
			Name:  tr.Name,
			Input: input,
		})
	}
	return out, nil
}

func toGenkitMessages(messages []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		case RoleAssistant:
			parts := []*ai.Part{}
			if m.Content != "" {
				parts = append(parts, ai.NewTextPart(m.Content))
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   call.ID,
					Name:  call.Name,
					Input: call.Input,
				}))
			}
			if len(parts) == 0 {
				continue
			}
			msgs = append(msgs, ai.NewMessage(ai.RoleModel, nil, parts...))
		case RoleTool:
			parts := make([]*ai.Part, 0, len(m.ToolResults))
			for _, res := range m.ToolResults {
				parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
					Ref:    res.ID,
					Name:   res.Name,
					Output: res.Content,
				}))
			}
			if len(parts) == 0 {
				continue
			}
			msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, parts...))
		}
	}
	return msgs
}
