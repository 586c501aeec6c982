// ABOUTME: Closed tool-kind variant and tool output formatting
// ABOUTME: read_shell is read-only and auto-executed; write_shell requires approval

package agent

import (
	"fmt"
	"strings"
)

// ToolKind is the closed set of tools the model may request. Dispatch is
// switched on this type, never on raw name strings.
type ToolKind int

const (
	ToolNone ToolKind = iota
	ToolReadShell
	ToolWriteShell
)

const (
	toolNameReadShell  = "read_shell"
	toolNameWriteShell = "write_shell"
)

func (k ToolKind) String() string {
	switch k {
	case ToolReadShell:
		return toolNameReadShell
	case ToolWriteShell:
		return toolNameWriteShell
	default:
		return "none"
	}
}

// ParseToolKind maps a wire tool name onto the closed variant.
func ParseToolKind(name string) (ToolKind, bool) {
	switch name {
	case toolNameReadShell:
		return ToolReadShell, true
	case toolNameWriteShell:
		return ToolWriteShell, true
	default:
		return ToolNone, false
	}
}

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID      string
	Kind    ToolKind
	Command string
	Reason  string
}

// formatExecutionOutput renders command output for tool-result messages.
func formatExecutionOutput(stdout, stderr string, exitCode int) string {
	var sections []string
	if strings.TrimSpace(stdout) != "" {
		sections = append(sections, "stdout:\n"+strings.TrimRight(stdout, " \t\r\n"))
	}
	if strings.TrimSpace(stderr) != "" {
		sections = append(sections, "stderr:\n"+strings.TrimRight(stderr, " \t\r\n"))
	}
	if len(sections) == 0 {
		sections = append(sections, "<empty output>")
	}
	sections = append(sections, fmt.Sprintf("exitCode: %d", exitCode))
	return strings.Join(sections, "\n\n")
}
