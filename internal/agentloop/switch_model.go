package agentloop

import (
	"fmt"

	"github.com/wationgarbarad/ouroboros/internal/providers"
)

const switchModelName = "switch_model"

// switchModelDef is the built-in tool schema that lets the model change its
// own model and effort tier mid-task (spec §4.8 "model routing is
// LLM-directed"). The override dies with the Loop, so defaults return on
// task completion.
func switchModelDef() providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name: switchModelName,
			Description: "Switch the model and/or reasoning effort used for the rest of this task. " +
				"Use a cheaper model for mechanical work, a stronger one for hard reasoning.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"model": map[string]interface{}{
						"type":        "string",
						"description": "Model id as '<provider>/<model>', e.g. 'anthropic/claude-haiku-4.5'. Omit to keep the current model.",
					},
					"effort": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"low", "medium", "high"},
						"description": "Reasoning effort tier. Omit to keep the current tier.",
					},
				},
			},
		},
	}
}

// handleSwitchModel applies the override after validating the model string
// resolves to a registered provider.
func (l *Loop) handleSwitchModel(args map[string]interface{}) string {
	newModel, _ := args["model"].(string)
	newEffort, _ := args["effort"].(string)

	if newModel == "" && newEffort == "" {
		return "switch_model: nothing to change (provide model and/or effort)"
	}

	if newModel != "" {
		if _, _, err := l.cfg.Providers.Resolve(newModel); err != nil {
			return fmt.Sprintf("switch_model error: %v", err)
		}
		l.model = newModel
	}
	switch newEffort {
	case "", "low", "medium", "high":
		if newEffort != "" {
			l.effort = newEffort
		}
	default:
		return fmt.Sprintf("switch_model error: unknown effort tier %q", newEffort)
	}

	return fmt.Sprintf("switched: model=%s effort=%s (resets when this task ends)", l.model, orDefault(l.effort, "default"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
