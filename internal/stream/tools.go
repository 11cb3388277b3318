package stream

// extractToolAction extracts a human-readable tool action from an
// assistant event. Returns empty string if no tool use is present.
func extractToolAction(raw map[string]interface{}) string {
	if msg, ok := raw["message"].(map[string]interface{}); ok {
		if content, ok := msg["content"].([]interface{}); ok {
			for _, item := range content {
				if block, ok := item.(map[string]interface{}); ok {
					if bt, _ := block["type"].(string); bt == "tool_use" {
						return formatToolAction(block)
					}
				}
			}
		}
	}
	if toolUse, ok := raw["tool_use"].(map[string]interface{}); ok {
		return formatToolAction(toolUse)
	}
	return ""
}

func formatToolAction(block map[string]interface{}) string {
	name, _ := block["name"].(string)
	if name == "" {
		return ""
	}
	input, _ := block["input"].(map[string]interface{})

	switch name {
	case "Read", "Edit", "Write":
		verb := map[string]string{"Read": "Reading ", "Edit": "Editing ", "Write": "Writing "}[name]
		if path, ok := input["file_path"].(string); ok {
			return verb + shortName(path, 40)
		}
		return verb + "file"
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return "Running " + firstWord(cmd)
		}
		return "Running command"
	case "Glob", "Grep":
		if pattern, ok := input["pattern"].(string); ok {
			return "Searching " + truncate(pattern, 30)
		}
		return "Searching files"
	case "Task":
		return "Running subagent"
	default:
		return name
	}
}

func shortName(path string, max int) string {
	if len(path) <= max {
		return path
	}
	return "..." + path[len(path)-max+3:]
}

func firstWord(cmd string) string {
	for i, c := range cmd {
		if c == ' ' || c == '\n' {
			cmd = cmd[:i]
			break
		}
	}
	return truncate(cmd, 20)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
