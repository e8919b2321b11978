package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// WeatherTool is a deterministic demo tool: the report is derived from the
// location string, so runs are reproducible without network access.
type WeatherTool struct{}

func NewWeatherTool() *WeatherTool { return &WeatherTool{} }

func (t *WeatherTool) Name() string { return "get_weather" }

func (t *WeatherTool) Description() string {
	return "Get the current weather for a location"
}

func (t *WeatherTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "City or place name",
			},
		},
		"required": []string{"location"},
	}
}

var conditions = []string{"sunny", "partly cloudy", "overcast", "light rain", "windy"}

func (t *WeatherTool) Execute(ctx context.Context, args map[string]any) *Result {
	location, _ := args["location"].(string)
	if location == "" {
		return ErrorResult("location is required")
	}

	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(location))))
	sum := h.Sum32()

	report, _ := json.Marshal(map[string]any{
		"location":    location,
		"condition":   conditions[sum%uint32(len(conditions))],
		"temperature": fmt.Sprintf("%d°C", 5+sum%25),
	})
	return NewResult(string(report))
}
