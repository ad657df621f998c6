// Package decision implements the orchestrator's decision function on top of
// the Anthropic Messages API.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/orchestrator"
)

// Config configures the Anthropic decider.
type Config struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	BaseURL    string
	MaxRetries int
	Timeout    time.Duration
}

// DefaultModel is used when Config.Model is empty.
const DefaultModel = anthropic.ModelClaudeSonnet4_5_20250929

const emptyToolResult = "(no output)"

// Anthropic decides with a Claude model.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
	logger    *slog.Logger
}

var _ orchestrator.Decider = (*Anthropic)(nil)

// NewAnthropic creates a decider. An empty API key is an error.
func NewAnthropic(cfg Config, logger *slog.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Decide sends the trimmed history with the discovered capabilities as tools.
func (a *Anthropic) Decide(ctx context.Context, req orchestrator.DecisionRequest) (*orchestrator.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	messages := ToMessageParams(req.Messages)
	if len(messages) == 0 {
		return nil, errors.New("no user message to answer")
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt(req.System)}},
		Messages:  messages,
	}
	if tools := ToolParams(req.System.Capabilities); len(tools) > 0 {
		params.Tools = tools
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages api: %w", err)
	}
	a.logger.Debug("Decision received",
		"owner_id", req.OwnerID,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())

	var text []string
	decision := &orchestrator.Decision{}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if t := strings.TrimSpace(variant.Text); t != "" {
				text = append(text, t)
			}
		case anthropic.ToolUseBlock:
			decision.Calls = append(decision.Calls, domain.ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: append(json.RawMessage(nil), variant.Input...),
			})
		}
	}
	decision.Reply = strings.Join(text, "\n\n")
	if decision.Reply == "" && len(decision.Calls) == 0 {
		return nil, fmt.Errorf("empty response (stop reason %s)", resp.StopReason)
	}
	return decision, nil
}

// ToolParams converts capability descriptors to tool definitions. A
// descriptor schema may be a full JSON schema object or a bare properties map.
func ToolParams(caps []domain.CapabilityDescriptor) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(caps))
	for _, c := range caps {
		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if len(c.Schema) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(c.Schema, &raw); err == nil {
				if props, ok := raw["properties"].(map[string]any); ok {
					schema.Properties = props
					schema.Required = stringSlice(raw["required"])
				} else if raw["type"] == nil {
					schema.Properties = raw
				}
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        c.Name,
				Description: anthropic.String(c.Description),
				InputSchema: schema,
			},
		})
	}
	return tools
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ToMessageParams converts history into alternating user and assistant
// messages. Tool results become tool_result blocks of a user message, and
// consecutive messages with the same API role are merged. System messages
// are dropped since the system prompt carries that context.
func ToMessageParams(msgs []domain.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			if m.Content != "" {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
			}
		case domain.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				args := call.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks...)
		case domain.RoleTool:
			content := m.Content
			if content == "" {
				content = emptyToolResult
			}
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, content, m.IsError))
		}
	}
	return out
}
