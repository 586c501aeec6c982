// ABOUTME: Helpers for composing remote shell command lines
// ABOUTME: cd target parsing, single-quote escaping, output formatting, cwd sanitizing

package session

import "strings"

// parseCDTarget reports whether command is a cd invocation and, if so, the
// requested target (empty for a bare "cd").
func parseCDTarget(command string) (target string, isCD bool) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "cd" {
		return "", true
	}
	if after, ok := strings.CutPrefix(trimmed, "cd "); ok {
		return strings.TrimSpace(after), true
	}
	return "", false
}

// shellQuote wraps value in single quotes, escaping embedded quotes so the
// result stays a single shell word.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func formatStdoutStderr(stdout, stderr string) string {
	outEmpty := strings.TrimSpace(stdout) == ""
	errEmpty := strings.TrimSpace(stderr) == ""
	switch {
	case !outEmpty && !errEmpty:
		return stdout + "\n" + stderr
	case !outEmpty:
		return stdout
	case !errEmpty:
		return stderr
	default:
		return ""
	}
}

func sanitizeCwd(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "/"
	}
	if len(trimmed) > 1 {
		trimmed = strings.TrimRight(trimmed, "/")
		if trimmed == "" {
			trimmed = "/"
		}
	}
	return trimmed
}
