package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyAppendsMessagesAndReplacesScalars(t *testing.T) {
	s := NewConversationState("42")
	s.Apply(Update{Messages: []Message{UserMessage("hi")}, Timezone: Ptr("UTC")})
	s.Apply(Update{
		Messages:    []Message{AssistantMessage("hello")},
		Timezone:    Ptr("Asia/Seoul"),
		TaskSummary: Ptr("greeted"),
		Status:      StatusFinished,
	})

	require.Len(t, s.Messages, 2)
	require.Equal(t, RoleUser, s.Messages[0].Role)
	require.Equal(t, RoleAssistant, s.Messages[1].Role)
	require.Equal(t, "Asia/Seoul", s.Timezone)
	require.Equal(t, "greeted", s.TaskSummary)
	require.Equal(t, StatusFinished, s.Status)
	require.Equal(t, StateVersion, s.Version)
}

func TestApplyLeavesUnsetFieldsAlone(t *testing.T) {
	s := NewConversationState("42")
	s.Apply(Update{MemoryContext: Ptr("likes tea"), IsSystemTrigger: Ptr(true)})
	s.Apply(Update{Status: StatusRunning})

	require.Equal(t, "likes tea", s.MemoryContext)
	require.True(t, s.IsSystemTrigger)
}

func TestApplyPendingAuthorizationSetAndClear(t *testing.T) {
	s := NewConversationState("42")
	s.Apply(Update{
		PendingAuthorization: &PendingAuthorization{Provider: "github", URL: "https://example.com"},
		Status:               StatusAwaitingResume,
	})
	require.True(t, s.AwaitingResume())
	require.Equal(t, "github", s.PendingAuthorization.Provider)

	s.Apply(Update{ClearPendingAuthorization: true, Status: StatusRunning})
	require.Nil(t, s.PendingAuthorization)
	require.False(t, s.AwaitingResume())
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewConversationState("42")
	s.Apply(Update{
		Messages:             []Message{UserMessage("a")},
		PendingAuthorization: &PendingAuthorization{Provider: "notion"},
	})
	c := s.Clone()
	c.Messages[0].Content = "changed"
	c.PendingAuthorization.Provider = "google"

	require.Equal(t, "a", s.Messages[0].Content)
	require.Equal(t, "notion", s.PendingAuthorization.Provider)
}

func TestLastUserMessage(t *testing.T) {
	s := NewConversationState("42")
	_, _, ok := s.LastUserMessage()
	require.False(t, ok)

	s.Apply(Update{Messages: []Message{UserMessage("first"), AssistantMessage("reply"), UserMessage("second"), AssistantMessage("again")}})
	msg, idx, ok := s.LastUserMessage()
	require.True(t, ok)
	require.Equal(t, 2, idx)
	require.Equal(t, "second", msg.Content)
}

func TestParseJobKind(t *testing.T) {
	for in, want := range map[string]JobKind{
		"":             JobKindNotification,
		"notification": JobKindNotification,
		"command":      JobKindReinvoke,
		"reinvoke":     JobKindReinvoke,
		"re-invoke":    JobKindReinvoke,
	} {
		got, err := ParseJobKind(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseJobKind("email")
	require.Error(t, err)
}
