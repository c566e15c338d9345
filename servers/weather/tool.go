package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
)

const getWeatherSchema = `{
  "type": "object",
  "properties": {
    "location": { "type": "string" }
  },
  "required": ["location"]
}`

var getWeatherInputSchema = jsonschema.Must(getWeatherSchema)

var toolList = []mcpsse.Tool{
	{
		Name:        "get_weather",
		Description: "Get weather summary given a location",
		InputSchema: json.RawMessage(getWeatherSchema),
	},
}

var weatherByLocation = map[string]string{
	"Hyderabad": "Sunny, 39C, feels like 43C, Visibility 15km, UV index 10, Humidity 10%",
	"Chennai":   "Stormy, 26C, feels like 36C, Visibility 8km, UV index 7, Humidity 20%",
	"Mumbai":    "Heavy rain, 24C, feels like 18C, Visibility 1km, UV index 4, Humidity 90%",
}

func (s *Server) listTools() mcpsse.ListToolsResult {
	return mcpsse.ListToolsResult{
		Tools: toolList,
	}
}

func (s *Server) callTool(params mcpsse.CallToolParams) (mcpsse.CallToolResult, *mcpsse.JSONRPCError) {
	s.logger.Debug("calling tool", "name", params.Name)

	switch params.Name {
	case "get_weather":
		return s.callGetWeather(params)
	default:
		return mcpsse.CallToolResult{}, &mcpsse.JSONRPCError{
			Code:    mcpsse.CodeInvalidParams,
			Message: fmt.Sprintf("tool not found: %s", params.Name),
		}
	}
}

func (s *Server) callGetWeather(params mcpsse.CallToolParams) (mcpsse.CallToolResult, *mcpsse.JSONRPCError) {
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	keyErrs, err := getWeatherInputSchema.ValidateBytes(context.Background(), args)
	if err != nil {
		return mcpsse.CallToolResult{}, invalidParams(err)
	}
	if len(keyErrs) > 0 {
		var errStr []string
		for _, keyErr := range keyErrs {
			errStr = append(errStr, keyErr.Message)
		}
		return mcpsse.CallToolResult{}, &mcpsse.JSONRPCError{
			Code:    mcpsse.CodeInvalidParams,
			Message: fmt.Sprintf("params validation failed: %s", strings.Join(errStr, ", ")),
		}
	}

	var input struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return mcpsse.CallToolResult{}, invalidParams(err)
	}

	summary, ok := weatherByLocation[input.Location]
	if !ok {
		summary = fmt.Sprintf("Unable to get weather summary at the moment for %s", input.Location)
	}

	return mcpsse.CallToolResult{
		Content: []mcpsse.Content{
			{
				Type: mcpsse.ContentTypeText,
				Text: summary,
			},
		},
		IsError: false,
	}, nil
}
