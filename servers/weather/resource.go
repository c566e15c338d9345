package weather

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcpsse "github.com/monsoonlabs/go-mcp-sse"
)

const userDataURIPrefix = "resource://user_data/"

// User is the record served under resource://user_data/{user_id}.
type User struct {
	UserID   int    `json:"user_id"`
	Fullname string `json:"fullname,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Location string `json:"location"`
}

var resourceTemplateList = []mcpsse.ResourceTemplate{
	{
		URITemplate: userDataURIPrefix + "{user_id}",
		Name:        "get_user",
		Description: "Get user information, given a user_id",
		MimeType:    "application/json",
	},
}

func (s *Server) listResources() mcpsse.ListResourcesResult {
	// Every resource is template-backed, so the static list is empty.
	return mcpsse.ListResourcesResult{
		Resources: []mcpsse.Resource{},
	}
}

func (s *Server) listResourceTemplates() mcpsse.ListResourceTemplatesResult {
	return mcpsse.ListResourceTemplatesResult{
		Templates: resourceTemplateList,
	}
}

func (s *Server) readResource(params mcpsse.ReadResourceParams) (mcpsse.ReadResourceResult, *mcpsse.JSONRPCError) {
	rawID, ok := strings.CutPrefix(params.URI, userDataURIPrefix)
	if !ok {
		return mcpsse.ReadResourceResult{}, &mcpsse.JSONRPCError{
			Code:    mcpsse.CodeInvalidParams,
			Message: fmt.Sprintf("resource not found: %s", params.URI),
		}
	}

	userID, err := strconv.Atoi(rawID)
	if err != nil {
		return mcpsse.ReadResourceResult{}, invalidParams(fmt.Errorf("user id must be an integer: %w", err))
	}

	user := lookupUser(userID)
	userBs, err := json.Marshal(user)
	if err != nil {
		return mcpsse.ReadResourceResult{}, &mcpsse.JSONRPCError{
			Code:    mcpsse.CodeInternalError,
			Message: fmt.Sprintf("failed to marshal user: %s", err),
		}
	}

	return mcpsse.ReadResourceResult{
		Contents: []mcpsse.ResourceContents{
			{
				URI:      params.URI,
				MimeType: "application/json",
				Text:     string(userBs),
			},
		},
	}, nil
}

func lookupUser(userID int) User {
	if userID < 2 {
		return User{
			UserID:   userID,
			Fullname: "Ramesh",
			GroupID:  "google.com",
			Location: "Hyderabad",
		}
	}
	return User{
		UserID:   userID,
		Fullname: "Suresh",
		GroupID:  "google.com",
		Location: "Chennai",
	}
}
