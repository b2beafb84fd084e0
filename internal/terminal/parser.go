package terminal

import (
	"regexp"
	"strings"
)

// Scan windows, counted from the bottom of the snapshot
const (
	spinnerWindow    = 10
	statusWordWindow = 5
	permissionWindow = 50
	promptWindow     = 8
	errorWindow      = 10
)

var (
	// Spinner glyphs the assistant TUI cycles through while working
	// Example: "✻ Thinking…"
	spinnerPattern = regexp.MustCompile(`[✻✽✶✳✢]`)

	// Present-progressive status words at the start of a line
	// Example: "Compacting conversation..."
	statusWordPattern = regexp.MustCompile(
		`^\s*(Thinking|Processing|Reading|Writing|Searching|Analyzing|Running|Editing|Creating|Installing|Building|Compiling|Fetching|Downloading|Updating|Compacting|Resuming)\b`,
	)

	// A run of heavy-bar glyphs, rendered while output is streaming
	heavyBarPattern = regexp.MustCompile(`[█━]{4,}`)

	// Permission prompt shapes
	// Example: "Allow Claude to run npm install?"
	// Example: "Do you want to proceed? (y/n)"
	permissionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\ballow\s+\S+.*\s+to\s+`),
		regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+`),
		regexp.MustCompile(`(?i)\(y/n\)`),
		regexp.MustCompile(`\[Y/n\]`),
		regexp.MustCompile(`\[y/N\]`),
		regexp.MustCompile(`(?i)press\s+y\s+to\s+allow`),
		regexp.MustCompile(`(?i)\ballow\b.*\?`),
	}

	// Input prompt glyph at the start of a line
	promptGlyphPattern = regexp.MustCompile(`^\s*[>❯]`)

	// Idle footer and hint lines
	// Example: "? for shortcuts"
	// Example: "⎿ Tip: Press Enter to continue"
	idleFooterPattern = regexp.MustCompile(`\?\s+for\s+shortcuts`)
	idleHintPattern   = regexp.MustCompile(`^[\s\x{00a0}]*⎿[\s\x{00a0}]+(?:Tip|Next|Hint):`)

	// Context exhaustion wording. The remaining-percentage check needs a
	// digit boundary so "40% remaining" does not read as exhausted.
	contextLimitPattern = regexp.MustCompile(`(?i)context\s+(limit|full|exhausted)`)
	contextZeroPattern  = regexp.MustCompile(`(?:^|[^0-9.])0%\s+remaining`)

	// Compaction already failed, so issuing another /compact cannot help
	compactionFailedPattern = regexp.MustCompile(`(?i)(compaction\s+failed|failed\s+to\s+compact|error\s+(?:while\s+)?compacting)`)

	// Error phrases worth surfacing to the oracle
	errorPhrases = []string{"error:", "failed:", "fatal:", "panic:", "exception"}
)

// parseState classifies the captured lines into a terminal state.
// Processing dominates waiting; waiting dominates a permission guess only
// when none of the permission regexes matched.
func parseState(lines []string) State {
	var state State

	state.IsProcessing = detectProcessing(lines)

	if !state.IsProcessing {
		if line, ok := findPermissionLine(lines); ok {
			state.HasPermissionPrompt = true
			state.PermissionType = classifyPermission(line)
		}
		state.IsWaitingForInput = state.HasPermissionPrompt || detectWaiting(lines)
	}

	state.HasContextLimit = detectContextLimit(lines)
	state.LastError = findLastError(lines)

	return state
}

func detectProcessing(lines []string) bool {
	for _, line := range tail(lines, spinnerWindow) {
		if spinnerPattern.MatchString(line) || heavyBarPattern.MatchString(line) {
			return true
		}
	}
	for _, line := range tail(lines, statusWordWindow) {
		if statusWordPattern.MatchString(line) {
			return true
		}
	}
	return false
}

// findPermissionLine scans bottom-up since prompts render near the cursor
func findPermissionLine(lines []string) (string, bool) {
	window := tail(lines, permissionWindow)
	for i := len(window) - 1; i >= 0; i-- {
		line := strings.TrimRight(window[i], " \t")
		for _, p := range permissionPatterns {
			if p.MatchString(line) {
				return line, true
			}
		}
	}
	return "", false
}

func classifyPermission(line string) PermissionType {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "bash") || strings.Contains(lower, "command") || strings.Contains(lower, "run "):
		return PermissionBash
	case strings.Contains(lower, "edit"):
		return PermissionEdit
	case strings.Contains(lower, "write") || strings.Contains(lower, "create"):
		return PermissionWrite
	default:
		return PermissionOther
	}
}

func detectWaiting(lines []string) bool {
	for _, line := range tail(lines, promptWindow) {
		if promptGlyphPattern.MatchString(line) {
			return true
		}
	}
	for _, line := range lines {
		if idleFooterPattern.MatchString(line) || idleHintPattern.MatchString(line) {
			return true
		}
	}
	return false
}

func detectContextLimit(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), "context limit reached") ||
			contextZeroPattern.MatchString(line) ||
			contextLimitPattern.MatchString(line) {
			return true
		}
	}
	return false
}

// RequiresClear reports whether the pane shows a context state that
// /compact cannot fix: a fully exhausted window or a failed compaction.
func RequiresClear(text string) bool {
	return contextZeroPattern.MatchString(text) || compactionFailedPattern.MatchString(text)
}

func findLastError(lines []string) string {
	window := tail(lines, errorWindow)
	for i := len(window) - 1; i >= 0; i-- {
		lower := strings.ToLower(window[i])
		for _, phrase := range errorPhrases {
			if strings.Contains(lower, phrase) {
				return strings.TrimSpace(window[i])
			}
		}
	}
	return ""
}

// tail returns the last n lines, or all of them when fewer exist
func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
