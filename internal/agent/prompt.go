package agent

// ToolSpec describes a tool the model may call, following the OpenAI
// function-tool schema convention.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Prompt is the full model-call request: model, message history, and the
// tool surface the model may invoke.
type Prompt struct {
	Model             string
	Messages          []Message
	Tools             []ToolSpec
	ParallelToolCalls bool
	OutputSchema      string
}

// DefaultTools returns the tool surface exposed to the embedded
// conversation runtime: a single run_command tool whose arguments mirror
// the MCP proxy's run_command tool and the wire CommandRequest shape, so
// a ToolExecutor can translate a call straight into one. Every invocation
// still passes through the operator-approval round trip the ACP bridge
// wraps tool execution in; the model never bypasses policy.
func DefaultTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "run_command",
			Description: "Request that a shell command run against a configured target. Requires operator approval unless the target's policy auto-approves it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The full shell command to run.",
					},
					"intent": map[string]any{
						"type":        "string",
						"description": "A short explanation of why this command is needed, shown to the operator.",
					},
					"target": map[string]any{
						"type":        "string",
						"description": "Name of the configured target to run against. Omit to use the default target.",
					},
					"cwd": map[string]any{
						"type":        "string",
						"description": "Working directory for the command, relative to the target's default.",
					},
					"timeout_ms": map[string]any{
						"type":        "integer",
						"description": "Override the target policy's default timeout, in milliseconds.",
					},
				},
				"required":             []string{"command", "intent"},
				"additionalProperties": false,
			},
		},
	}
}
