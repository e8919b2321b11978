package providers

// Option keys recognized in ChatRequest.Options. Unknown keys are ignored by
// providers that don't support them.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"   // "off", "low", "medium", "high"
	OptReasoningEffort = "reasoning_effort" // wire key for OptThinkingLevel
)

// CleanToolSchemas strips schema keys some OpenAI-compatible backends reject
// (additionalProperties, $schema) from tool definitions.
func CleanToolSchemas(tools []ToolDefinition) []ToolDefinition {
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		t.Function.Parameters = cleanSchema(t.Function.Parameters)
		out[i] = t
	}
	return out
}

func cleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" || k == "$schema" {
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cleanSchema(vv)
		case []any:
			cleaned := make([]any, len(vv))
			for j, item := range vv {
				if m, ok := item.(map[string]any); ok {
					cleaned[j] = cleanSchema(m)
				} else {
					cleaned[j] = item
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}
