package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/internal/decode"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/internal/tools/subagent"
)

const maxSummaryLen = 120

// InputSummary formats a one-line human-readable summary for a tool call.
// Summaries are display strings, so failures degrade to a generic form
// rather than erroring.
func (c *AnthropicClient) InputSummary(toolName string, input decode.Value) string {
	raw := input.Encode()

	switch {
	case toolName == "read_file":
		var in tools.ReadFileInput
		if json.Unmarshal(raw, &in) == nil && in.Path != "" {
			return "Reading " + in.Path
		}
	case toolName == "write_file":
		var in tools.WriteFileInput
		if json.Unmarshal(raw, &in) == nil && in.Path != "" {
			return "Writing " + in.Path
		}
	case toolName == "web_fetch":
		var in tools.WebFetchInput
		if json.Unmarshal(raw, &in) == nil && in.URL != "" {
			return "Fetching " + in.URL
		}
	case toolName == subagent.ToolName:
		var in subagent.Input
		if json.Unmarshal(raw, &in) == nil && len(in.Tasks) > 0 {
			if len(in.Tasks) == 1 {
				return "Running 1 sub-task"
			}
			return fmt.Sprintf("Running %d sub-tasks", len(in.Tasks))
		}
	case strings.HasPrefix(toolName, "mcp:"):
		if parts := strings.SplitN(toolName, ":", 3); len(parts) == 3 {
			return fmt.Sprintf("Calling %s on %s", parts[2], parts[1])
		}
	}

	return genericSummary(toolName, raw)
}

func genericSummary(toolName string, raw json.RawMessage) string {
	compact := strings.Join(strings.Fields(string(raw)), " ")
	if compact == "" || compact == "{}" || compact == "null" {
		return toolName
	}
	s := toolName + " " + compact
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen-3] + "..."
	}
	return s
}
