package tools

import "github.com/dmdzco/donna2/pkg/provider/llm"

// Tool definitions for the session tools. Descriptions are written for the
// call model; keep them short and concrete.

var searchMemoriesDef = llm.ToolDefinition{
	Name:        ToolSearchMemories,
	Description: "Search what you remember about this person from past calls. Use it when they reference something you should know.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for, in plain words.",
			},
		},
		"required": []string{"query"},
	},
}

var getNewsDef = llm.ToolDefinition{
	Name:        ToolGetNews,
	Description: "Look up current news about a topic they care about. Use sparingly, only when they ask about recent events.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic": map[string]any{
				"type":        "string",
				"description": "The topic to look up.",
			},
		},
		"required": []string{"topic"},
	},
}

var saveDetailDef = llm.ToolDefinition{
	Name:        ToolSaveDetail,
	Description: "Save an important detail they shared so future calls remember it.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"detail": map[string]any{
				"type":        "string",
				"description": "One self-contained sentence about the person.",
			},
			"category": map[string]any{
				"type": "string",
				"enum": []string{"fact", "preference", "event", "concern", "relationship"},
			},
		},
		"required": []string{"detail", "category"},
	},
}

var markReminderAckedDef = llm.ToolDefinition{
	Name:        ToolMarkReminderAcked,
	Description: "Record that they responded to a reminder. Use acknowledged when they commit to doing it, confirmed when they already did it.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reminder_id": map[string]any{
				"type":        "string",
				"description": "The reminder's ID, or its title if you only know that.",
			},
			"status": map[string]any{
				"type": "string",
				"enum": []string{"acknowledged", "confirmed"},
			},
			"user_response": map[string]any{
				"type":        "string",
				"description": "Their own words, if worth keeping.",
			},
		},
		"required": []string{"reminder_id", "status"},
	},
}

// transitionDef builds the definition for a parameter-less phase transition
// tool.
func transitionDef(name, description string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}
