package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/conductor/internal/domain"
)

func TestStripControlMarker(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		marked bool
	}{
		{"plain", "hello", "hello", false},
		{"marked", WithControlMarker("stretch now"), "stretch now", true},
		{"no separator", ControlMarker + "stretch", "stretch", true},
		{"newline separator", ControlMarker + "\n\tstretch", "stretch", true},
		{"repeated", ControlMarker + " " + ControlMarker + " ping", "ping", true},
		{"inner marker kept", "say " + ControlMarker + " later", "say " + ControlMarker + " later", false},
		{"trailing space kept", ControlMarker + " ping  ", "ping  ", true},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, marked := StripControlMarker(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.marked, marked)

			again, markedAgain := StripControlMarker(got)
			assert.Equal(t, got, again)
			assert.False(t, markedAgain)
		})
	}
}

func msg(role domain.Role, content string) domain.Message {
	return domain.Message{Role: role, Content: content}
}

func TestTrimHistory(t *testing.T) {
	long := strings.Repeat("x", 400) // 100 tokens + overhead

	t.Run("fits entirely", func(t *testing.T) {
		msgs := []domain.Message{msg(domain.RoleUser, "hi"), msg(domain.RoleAssistant, "hello")}
		assert.Equal(t, msgs, TrimHistory(msgs, 4000))
	})

	t.Run("drops oldest and starts on user", func(t *testing.T) {
		msgs := []domain.Message{
			msg(domain.RoleUser, long),
			msg(domain.RoleAssistant, long),
			msg(domain.RoleUser, long),
			msg(domain.RoleAssistant, long),
			{Role: domain.RoleTool, Content: "ok", ToolCallID: "c1"},
			msg(domain.RoleAssistant, "done"),
		}
		got := TrimHistory(msgs, 250)
		require.NotEmpty(t, got)
		assert.Equal(t, domain.RoleUser, got[0].Role)
		assert.Equal(t, msgs[2:], got)
	})

	t.Run("oversized newest request kept", func(t *testing.T) {
		msgs := []domain.Message{
			msg(domain.RoleUser, "old"),
			msg(domain.RoleAssistant, "older reply"),
			msg(domain.RoleUser, strings.Repeat("y", 10000)),
		}
		got := TrimHistory(msgs, 50)
		require.Len(t, got, 1)
		assert.Equal(t, msgs[2], got[0])
	})

	t.Run("no user message", func(t *testing.T) {
		assert.Nil(t, TrimHistory([]domain.Message{msg(domain.RoleAssistant, "x")}, 100))
		assert.Nil(t, TrimHistory(nil, 100))
	})

	t.Run("tool calls counted", func(t *testing.T) {
		m := domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{Name: "abcd", Args: []byte(`{"a":1234}`)}}}
		assert.Equal(t, (4+10+3)/4+perMessageOverhead, EstimateTokens(m))
	})
}

func TestOwnerLocksSerializePerOwner(t *testing.T) {
	locks := NewOwnerLocks()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "a")
	require.NoError(t, err)

	// Other owners are not blocked.
	releaseB, err := locks.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()

	acquired := make(chan struct{})
	go func() {
		r, err := locks.Acquire(ctx, "a")
		if assert.NoError(t, err) {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire for the same owner must wait")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	release() // idempotent

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	require.Eventually(t, func() bool { return locks.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOwnerLocksAcquireHonorsContext(t *testing.T) {
	locks := NewOwnerLocks()
	release, err := locks.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOwnerLocksMutualExclusion(t *testing.T) {
	locks := NewOwnerLocks()
	var mu sync.Mutex
	inside, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "same")
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			mu.Lock()
			inside++
			peak = max(peak, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 0, locks.Len())
}
