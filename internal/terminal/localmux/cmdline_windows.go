//go:build windows

package localmux

import "strings"

// escapeArg quotes one argument following the rules CommandLineToArgvW
// uses to split a command line back into argv: backslashes are literal
// unless they precede a double quote or end a quoted argument.
func escapeArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\"") {
		return arg
	}

	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case c == '\\':
			slashes++
		case c == '"':
			b.WriteString(strings.Repeat(`\`, 2*slashes+1))
			b.WriteByte('"')
			slashes = 0
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
			b.WriteByte(c)
			slashes = 0
		}
	}
	b.WriteString(strings.Repeat(`\`, 2*slashes))
	b.WriteByte('"')
	return b.String()
}

// buildCmdLine joins argv into the single command line CreateProcess
// expects.
func buildCmdLine(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, escapeArg(arg))
	}
	return strings.Join(parts, " ")
}
