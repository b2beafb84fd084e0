package oracle

import (
	"fmt"
	"strings"

	"github.com/enruana/claude-orka-sub000/internal/common/constants"
)

const actionMenu = `Decide the single next action for the session:
- respond: type a reply into the session and submit it
- wait: do nothing this cycle
- approve: accept the pending permission prompt
- reject: decline the pending permission prompt
- compact: run /compact to shrink the conversation
- clear: run /clear to reset the conversation
- escape: press Escape to interrupt the current activity
- request_help: notify the human operator that their attention is needed

Reply with one JSON object and nothing else:
{"action":"<action>","response":"<text>","reason":"<short reason>","notification":{"message":"<text>","level":"info|warn|error"}}
"response" is required when action is "respond" and must be omitted otherwise.
"notification" is optional; include it only when the operator should be told something.`

// buildSystemPrompt combines the agent's master prompt with the fixed
// action menu and output directive.
func buildSystemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You supervise an interactive coding assistant running in a terminal session. ")
	b.WriteString("You see its recent output and decide what keystroke-level action the supervisor takes next.\n\n")
	if strings.TrimSpace(in.MasterPrompt) != "" {
		b.WriteString("Operator objective for this agent:\n")
		b.WriteString(strings.TrimSpace(in.MasterPrompt))
		b.WriteString("\n\n")
	}
	b.WriteString(actionMenu)
	return b.String()
}

// buildUserPrompt renders the trigger, the parsed state flags, an optional
// operator instruction, and the tail of the captured terminal text.
func buildUserPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Trigger: %s\n\n", in.TriggerLabel)

	st := in.TerminalState
	b.WriteString("Terminal state:\n")
	fmt.Fprintf(&b, "- processing: %t\n", st.IsProcessing)
	fmt.Fprintf(&b, "- waiting for input: %t\n", st.IsWaitingForInput)
	if st.HasPermissionPrompt {
		fmt.Fprintf(&b, "- permission prompt: true (%s)\n", st.PermissionType)
	} else {
		b.WriteString("- permission prompt: false\n")
	}
	fmt.Fprintf(&b, "- context limit reached: %t\n", st.HasContextLimit)
	if st.LastError != "" {
		fmt.Fprintf(&b, "- last error: %s\n", st.LastError)
	}

	if strings.TrimSpace(in.HumanInstruction) != "" {
		b.WriteString("\nOperator instruction:\n")
		b.WriteString(strings.TrimSpace(in.HumanInstruction))
		b.WriteString("\n")
	}

	text := tailLines(in.TerminalText, constants.OracleTerminalLines)
	b.WriteString("\nTerminal output (most recent last):\n")
	b.WriteString(text)
	return b.String()
}

// tailLines keeps the last n lines of text.
func tailLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
