package decision

import (
	"fmt"
	"strings"

	"github.com/ashureev/conductor/internal/orchestrator"
)

const basePrompt = `You are a personal assistant that acts on the user's behalf through the tools provided.
Use a tool when the request needs one, otherwise answer directly and briefly.
Never invent tool results. If a tool reports an error, explain it plainly.`

// SystemPrompt renders the decision context into the system prompt.
func SystemPrompt(sc orchestrator.SystemContext) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	fmt.Fprintf(&b, "\n\nCurrent time: %s (%s, %s).",
		sc.Now.Format("2006-01-02 15:04 -07:00"), sc.Now.Weekday(), sc.Timezone)

	if len(sc.Capabilities) > 0 {
		b.WriteString("\n\nRelevant capabilities:")
		for _, c := range sc.Capabilities {
			fmt.Fprintf(&b, "\n- %s [%s]: %s", c.Name, c.Domain, c.Description)
		}
	} else {
		b.WriteString("\n\nNo capability matched this request. Answer from the conversation alone.")
	}

	if sc.TaskSummary != "" {
		b.WriteString("\n\nLast task summary:\n")
		b.WriteString(sc.TaskSummary)
	}
	if sc.MemoryContext != "" {
		b.WriteString("\n\nWhat you remember about the user:\n")
		b.WriteString(sc.MemoryContext)
	}
	if len(sc.PendingReflections) > 0 {
		b.WriteString("\n\nRecent repository activity to reflect on with the user:")
		for _, r := range sc.PendingReflections {
			fmt.Fprintf(&b, "\n- %s (%s)", r.Repository, r.Ref)
			for _, c := range r.Commits {
				fmt.Fprintf(&b, "\n  * %s", firstLine(c.Message))
			}
		}
	}
	if sc.IsSystemTrigger {
		b.WriteString("\n\nThe latest message was produced by a scheduled trigger, not typed by the user. " +
			"Carry out the instruction and address the user directly.")
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
