package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Message is one turn of conversation history as sent to the model.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Model is a completion backend. Complete returns the full reply; Stream
// delivers it as fragments and stops early if onFragment returns an error.
type Model interface {
	Complete(ctx context.Context, systemPrompt string, messages []Message) (string, error)
	Stream(ctx context.Context, systemPrompt string, messages []Message, onFragment func(string) error) error
}

// FallbackReply is returned by GenkitModel when no API key is configured.
const FallbackReply = "I can answer with full LLM reasoning after an API key is configured."

// ModelConfig selects the provider behind GenkitModel.
type ModelConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// GenkitModel implements Model on top of a Genkit instance.
type GenkitModel struct {
	g         *genkit.Genkit
	provider  string
	modelName string
	llmOn     bool
}

var _ Model = (*GenkitModel)(nil)

// Instances are cached per provider, endpoint and key so a config reload
// does not initialize the same plugin twice.
var (
	genkitMu    sync.Mutex
	genkitCache = map[string]*genkit.Genkit{}
)

// NewGenkitModel initializes Genkit for the configured provider. Without an
// API key the model answers every call with FallbackReply.
// Supports: google (Gemini), anthropic (Claude), openai, openrouter, groq,
// openai_compatible.
func NewGenkitModel(ctx context.Context, cfg ModelConfig, logger *slog.Logger) *GenkitModel {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	m := &GenkitModel{provider: provider, modelName: modelNameForProvider(provider, modelID)}
	if apiKey == "" {
		logger.Warn("LLM API key missing; using deterministic fallback", "provider", provider)
		return m
	}
	if modelID == "" {
		logger.Warn("no model configured for provider; using deterministic fallback", "provider", provider)
		return m
	}

	var plugin genkit.GenkitOption
	switch provider {
	case "anthropic":
		plugin = genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		})
	case "openrouter":
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		})
	case "groq":
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "groq",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, "https://api.groq.com/openai/v1"),
		})
	case "openai_compatible":
		if cfg.BaseURL == "" {
			logger.Warn("openai_compatible requires llm.base_url; using deterministic fallback")
			return m
		}
		plugin = genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "compat",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		})
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		plugin = genkit.WithPlugins(&googlegenai.GoogleAI{})
	default:
		logger.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
		return m
	}

	m.g = sharedGenkit(ctx, provider+"|"+cfg.BaseURL+"|"+apiKey, plugin)
	m.llmOn = true
	logger.Info("genkit model initialized", "provider", provider, "model", m.modelName)
	return m
}

func sharedGenkit(ctx context.Context, key string, plugin genkit.GenkitOption) *genkit.Genkit {
	genkitMu.Lock()
	defer genkitMu.Unlock()
	if g, ok := genkitCache[key]; ok {
		return g
	}
	g := genkit.Init(ctx, plugin)
	genkitCache[key] = g
	return g
}

// Live reports whether calls reach a real provider.
func (m *GenkitModel) Live() bool { return m.llmOn }

// Name returns the fully qualified model name.
func (m *GenkitModel) Name() string { return m.modelName }

func (m *GenkitModel) Complete(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	if !m.llmOn {
		return FallbackReply, nil
	}
	resp, err := genkit.Generate(ctx, m.g, m.generateOptions(systemPrompt, messages)...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

func (m *GenkitModel) Stream(ctx context.Context, systemPrompt string, messages []Message, onFragment func(string) error) error {
	if !m.llmOn {
		return onFragment(FallbackReply)
	}

	stream := genkit.GenerateStream(ctx, m.g, m.generateOptions(systemPrompt, messages)...)
	emitted := false
	var doneReply string
	for streamVal, err := range stream {
		if err != nil {
			return fmt.Errorf("stream error: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onFragment(part.Text); err != nil {
						return err
					}
					emitted = true
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneReply = streamVal.Response.Text()
		}
	}
	// Some providers only deliver the final response.
	if !emitted && doneReply != "" {
		return onFragment(doneReply)
	}
	if !emitted {
		return errors.New("stream ended without text")
	}
	return nil
}

func (m *GenkitModel) generateOptions(systemPrompt string, messages []Message) []ai.GenerateOption {
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	systemPrompt = strings.ReplaceAll(systemPrompt, "%", "%%")
	opts := []ai.GenerateOption{
		ai.WithModelName(m.modelName),
		ai.WithSystem(systemPrompt),
	}
	if msgs := toGenkitMessages(messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	return opts
}

func toGenkitMessages(items []Message) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(items))
	for _, item := range items {
		role := ai.RoleUser
		if item.Role == "assistant" {
			role = ai.RoleModel
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "google":
		return "gemini-2.5-flash"
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	case "openrouter":
		return "openai/gpt-4o-mini"
	case "groq":
		return "openai/gpt-oss-120b"
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openrouter":
		return "openrouter/" + model
	case "groq":
		return "groq/" + model
	case "openai_compatible":
		return "compat/" + model
	default:
		return "googleai/" + model
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
