package weather

import (
	"fmt"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
)

const weatherDataPromptText = `- Use this prompt only in cases where general comparisons are being drawn
- All cities for which weather information is available: Hyderabad, Chennai, Mumbai
Examples:
    - What is most humid city right now?
    - Where is the weather coldest?`

var promptList = []mcpsse.Prompt{
	{
		Name: "weather_data",
	},
}

func (s *Server) listPrompts() mcpsse.ListPromptsResult {
	return mcpsse.ListPromptsResult{
		Prompts: promptList,
	}
}

func (s *Server) getPrompt(params mcpsse.GetPromptParams) (mcpsse.GetPromptResult, *mcpsse.JSONRPCError) {
	if params.Name != "weather_data" {
		return mcpsse.GetPromptResult{}, &mcpsse.JSONRPCError{
			Code:    mcpsse.CodeInvalidParams,
			Message: fmt.Sprintf("prompt not found: %s", params.Name),
		}
	}

	return mcpsse.GetPromptResult{
		Messages: []mcpsse.PromptMessage{
			{
				Role: mcpsse.RoleUser,
				Content: mcpsse.Content{
					Type: mcpsse.ContentTypeText,
					Text: weatherDataPromptText,
				},
			},
		},
	}, nil
}
