package decision

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/orchestrator"
)

type capturedRequest struct {
	Model    string `json:"model"`
	System   []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string            `json:"role"`
		Content []json.RawMessage `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"input_schema"`
	} `json:"tools"`
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, func() capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var last capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(data, &last)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func newDecider(t *testing.T, url string) *Anthropic {
	t.Helper()
	d, err := NewAnthropic(Config{APIKey: "test-key", BaseURL: url, Model: "claude-test", MaxRetries: 0}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return d
}

func request() orchestrator.DecisionRequest {
	return orchestrator.DecisionRequest{
		OwnerID: "u1",
		System: orchestrator.SystemContext{
			Now:      time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
			Timezone: "UTC",
			Capabilities: []domain.CapabilityDescriptor{{
				Name:        "manage_dm_scheduler",
				Domain:      "scheduling",
				Description: "Schedule reminders",
				Schema:      json.RawMessage(`{"type":"object","properties":{"minutes":{"type":"integer"}},"required":["minutes"]}`),
			}},
		},
		Messages: []domain.Message{domain.UserMessage("remind me in 5 minutes to stretch")},
	}
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropic(Config{}, nil)
	require.Error(t, err)
}

func TestDecideParsesToolUse(t *testing.T) {
	srv, last := newServer(t, http.StatusOK, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [
			{"type": "text", "text": "Scheduling that now."},
			{"type": "tool_use", "id": "toolu_1", "name": "manage_dm_scheduler", "input": {"minutes": 5}}
		],
		"stop_reason": "tool_use", "stop_sequence": null,
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	decision, err := newDecider(t, srv.URL).Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "Scheduling that now.", decision.Reply)
	require.Len(t, decision.Calls, 1)
	assert.Equal(t, "toolu_1", decision.Calls[0].ID)
	assert.Equal(t, "manage_dm_scheduler", decision.Calls[0].Name)
	assert.JSONEq(t, `{"minutes": 5}`, string(decision.Calls[0].Args))

	got := last()
	assert.Equal(t, "claude-test", got.Model)
	require.Len(t, got.System, 1)
	assert.Contains(t, got.System[0].Text, "manage_dm_scheduler")
	assert.Contains(t, got.System[0].Text, "Monday")
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "manage_dm_scheduler", got.Tools[0].Name)
	assert.Equal(t, []any{"minutes"}, got.Tools[0].InputSchema["required"])
}

func TestDecideTextOnly(t *testing.T) {
	srv, last := newServer(t, http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [{"type": "text", "text": "Hello!"}],
		"stop_reason": "end_turn", "stop_sequence": null,
		"usage": {"input_tokens": 3, "output_tokens": 2}
	}`)

	req := request()
	req.System.Capabilities = nil
	decision, err := newDecider(t, srv.URL).Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", decision.Reply)
	assert.Empty(t, decision.Calls)
	assert.Empty(t, last().Tools)
}

func TestDecideAPIError(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadRequest, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	_, err := newDecider(t, srv.URL).Decide(context.Background(), request())
	require.Error(t, err)
}

func TestDecideEmptyResponse(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{
		"id": "msg_3", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [], "stop_reason": "end_turn", "stop_sequence": null,
		"usage": {"input_tokens": 1, "output_tokens": 0}
	}`)
	_, err := newDecider(t, srv.URL).Decide(context.Background(), request())
	require.Error(t, err)
}

func TestToMessageParamsGroupsToolResults(t *testing.T) {
	calls := []domain.ToolCall{
		{ID: "a", Name: "one", Args: json.RawMessage(`{"x":1}`)},
		{ID: "b", Name: "two"},
	}
	msgs := []domain.Message{
		domain.UserMessage("first"),
		domain.UserMessage("second"),
		domain.AssistantMessage("", calls...),
		domain.ToolResultMessage(calls[0], "ok", false),
		domain.ToolResultMessage(calls[1], "", true),
		{Role: domain.RoleSystem, Content: "ignored"},
		domain.AssistantMessage("done"),
	}

	params := ToMessageParams(msgs)
	require.Len(t, params, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, params[0].Role)
	assert.Len(t, params[0].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params[1].Role)
	assert.Len(t, params[1].Content, 2)
	require.Len(t, params[2].Content, 2)
	require.NotNil(t, params[2].Content[1].OfToolResult)
	assert.Equal(t, "b", params[2].Content[1].OfToolResult.ToolUseID)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params[3].Role)
}

func TestToolParamsBarePropertiesSchema(t *testing.T) {
	tools := ToolParams([]domain.CapabilityDescriptor{
		{Name: "bare", Description: "d", Schema: json.RawMessage(`{"query":{"type":"string"}}`)},
		{Name: "none", Description: "d"},
	})
	require.Len(t, tools, 2)
	props, ok := tools[0].OfTool.InputSchema.Properties.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Empty(t, tools[1].OfTool.InputSchema.Properties)
}

func TestSystemPromptSections(t *testing.T) {
	sc := orchestrator.SystemContext{
		Now:             time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Timezone:        "UTC",
		TaskSummary:     "scheduled a reminder",
		MemoryContext:   "- likes tea",
		IsSystemTrigger: true,
		PendingReflections: []domain.Reflection{{
			Repository: "octo/app", Ref: "refs/heads/main",
			Commits: []domain.Commit{{Message: "fix login\n\nlong body"}},
		}},
	}
	p := SystemPrompt(sc)
	assert.Contains(t, p, "2026-03-02 09:30 +00:00")
	assert.Contains(t, p, "No capability matched")
	assert.Contains(t, p, "scheduled a reminder")
	assert.Contains(t, p, "likes tea")
	assert.Contains(t, p, "octo/app")
	assert.Contains(t, p, "fix login")
	assert.NotContains(t, p, "long body")
	assert.Contains(t, p, "scheduled trigger")
}
