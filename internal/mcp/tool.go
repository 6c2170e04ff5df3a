package mcp

import "encoding/json"

// toolDefinition mirrors the MCP tools/list entry shape: JSON Schema
// input, a human title, and read-only/destructive hints so MCP clients
// can render confirmation prompts appropriately.
type toolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations toolAnnotations `json:"annotations"`
}

type toolAnnotations struct {
	Title           string `json:"title"`
	ReadOnlyHint    bool   `json:"readOnlyHint"`
	DestructiveHint bool   `json:"destructiveHint"`
	OpenWorldHint   bool   `json:"openWorldHint"`
	IdempotentHint  bool   `json:"idempotentHint"`
}

func runCommandTool(targets []string, defaultTarget string) toolDefinition {
	targetSchema := map[string]any{
		"type":        "string",
		"enum":        targets,
		"description": "Target name defined in the broker config.",
	}
	required := []string{"command", "intent", "target"}
	if defaultTarget != "" {
		targetSchema["default"] = defaultTarget
		required = []string{"command", "intent"}
	}
	schema, _ := json.Marshal(map[string]any{
		"type":     "object",
		"required": required,
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell-like command line. Supports `|` to pipeline multiple stages.",
			},
			"target":  targetSchema,
			"intent": map[string]any{
				"type":        "string",
				"description": "Why this command is needed (recorded for audit).",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory for the command.",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": "Override command timeout in milliseconds.",
			},
			"max_output_bytes": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": "Override output size limit in bytes.",
			},
			"env": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
				"description":          "Extra environment variables.",
			},
		},
	})
	return toolDefinition{
		Name:        "run_command",
		Description: "Forward command execution to the console executor with manual approval.",
		InputSchema: schema,
		Annotations: toolAnnotations{Title: "Run Command", DestructiveHint: true},
	}
}

func listTargetsTool() toolDefinition {
	schema, _ := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{}})
	return toolDefinition{
		Name:        "list_targets",
		Description: "List available targets configured in the broker.",
		InputSchema: schema,
		Annotations: toolAnnotations{Title: "List Targets", ReadOnlyHint: true, IdempotentHint: true},
	}
}

// runCommandArgs is the tools/call arguments payload for run_command.
type runCommandArgs struct {
	Command        string            `json:"command"`
	Intent         string            `json:"intent"`
	Target         string            `json:"target,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	TimeoutMS      *uint64           `json:"timeout_ms,omitempty"`
	MaxOutputBytes *uint64           `json:"max_output_bytes,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// contentBlock is the MCP tools/call result content entry shape.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// callToolResult is the MCP tools/call response payload.
type callToolResult struct {
	Content           []contentBlock `json:"content"`
	IsError           bool           `json:"isError"`
	StructuredContent any            `json:"structuredContent,omitempty"`
}
